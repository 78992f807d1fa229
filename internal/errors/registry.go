package errors

import "sort"

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category   Category
	Message    string
	Suggestion string
}

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// ============================================
	// Config Errors (E100-E119)
	// ============================================

	"E100": {
		Category:   CategoryConfig,
		Message:    "Config file not found",
		Suggestion: "Pass --config with the path to collab.yaml, or run without it to use defaults.",
	},
	"E101": {
		Category:   CategoryConfig,
		Message:    "Invalid config file",
		Suggestion: "Check the YAML syntax near the reported line.",
	},
	"E102": {
		Category: CategoryConfig,
		Message:  "Invalid configuration value",
	},
	"E103": {
		Category:   CategoryConfig,
		Message:    "Invalid duration",
		Suggestion: `Use Go duration syntax such as "500ms", "30s" or "1h".`,
	},
	"E104": {
		Category:   CategoryConfig,
		Message:    "Unknown store backend",
		Suggestion: "Use one of: memory, sqlite, s3.",
	},

	// ============================================
	// Store Errors (E200-E219)
	// ============================================

	"E200": {
		Category:   CategoryStore,
		Message:    "Snapshot store unavailable",
		Suggestion: "Check store.dsn and that the database is reachable.",
	},
	"E201": {
		Category: CategoryStore,
		Message:  "Snapshot table setup failed",
	},
	"E202": {
		Category:   CategoryStore,
		Message:    "S3 configuration failed",
		Suggestion: "Check AWS credentials and store.region.",
	},

	// ============================================
	// Server Errors (E300-E319)
	// ============================================

	"E300": {
		Category:   CategoryServer,
		Message:    "Cannot listen on address",
		Suggestion: "Another process may be using the port; change server.address.",
	},
	"E301": {
		Category: CategoryServer,
		Message:  "Relay did not shut down cleanly",
	},

	// ============================================
	// Client Errors (E400-E419)
	// ============================================

	"E400": {
		Category:   CategoryClient,
		Message:    "Document lookup failed",
		Suggestion: "Check --server points at a running relay.",
	},
	"E401": {
		Category: CategoryClient,
		Message:  "Connection failed",
	},
	"E402": {
		Category: CategoryClient,
		Message:  "Key not found",
	},
}

// GetAllCodes returns all registered error codes, sorted.
func GetAllCodes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// GetTemplate returns the template for an error code.
func GetTemplate(code string) (ErrorTemplate, bool) {
	t, ok := registry[code]
	return t, ok
}

// Register adds a new error template to the registry.
func Register(code string, template ErrorTemplate) {
	registry[code] = template
}
