// Package errors provides structured, actionable error messages for the
// collab command and its configuration loader.
//
// Each error carries a code, a category, a short message, and optionally a
// longer detail, a suggestion, the config file location it refers to and a
// wrapped cause.
//
// # Error Categories
//
//   - config: collab.yaml problems (syntax, invalid values)
//   - store: snapshot store setup failures
//   - server: relay listen and shutdown failures
//   - client: lookup and connection failures from the CLI client
//
// # Usage
//
//	err := errors.New("E102").
//	    WithDetail(`store.backend must be one of memory, sqlite, s3`).
//	    WithLocation("collab.yaml", 12).
//	    WithSuggestion("Set store.backend: sqlite")
//
//	errors.PrintError(err)
//	// ERROR E102: Invalid configuration value
//	//
//	//   collab.yaml:12
//	//
//	//     11 │ store:
//	//   → 12 │   backend: redis
//	//     13 │   dsn: collab.db
//	//
//	//   store.backend must be one of memory, sqlite, s3
//	//
//	//   Hint: Set store.backend: sqlite
package errors
