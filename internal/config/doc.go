// Package config loads collab.yaml, the configuration file for the collab
// command.
//
// # Configuration File Structure
//
//	server:
//	  address: ":7420"
//	  publicURL: https://collab.example.com
//	  shutdownTimeout: 10s
//	  persistInterval: 30s
//	session:
//	  server: http://localhost:7420
//	  handshakeTimeout: 10s
//	  reconnect:
//	    maxAttempts: 5
//	    baseDelay: 500ms
//	    maxDelay: 30s
//	    jitter: 0.2
//	auth:
//	  secret: change-me          # or COLLAB_AUTH_SECRET
//	  tokenTTL: 1h
//	store:
//	  backend: sqlite            # memory, sqlite, s3
//	  dsn: collab.db
//	metrics:
//	  enabled: true
//	log:
//	  level: info                # debug, info, warn, error
//	  format: text               # text, json
//
// Durations use Go syntax ("500ms", "30s", "1h"). Every field is optional.
//
// # Usage
//
//	cfg, err := config.Load(".")
//	if err != nil {
//	    errors.PrintError(err)
//	    os.Exit(1)
//	}
//	srv := relay.New(cfg.RelayConfig())
package config
