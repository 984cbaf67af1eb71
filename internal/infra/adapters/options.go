package adapters

// Option helpers tolerate the loose typing of request-supplied engine
// options: JSON decoding hands numbers over as float64, config files as int.

func intOption(opts map[string]any, key string, def int) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

func boolOption(opts map[string]any, key string, def bool) bool {
	if v, ok := opts[key].(bool); ok {
		return v
	}
	return def
}

func stringOption(opts map[string]any, key string, def string) string {
	if v, ok := opts[key].(string); ok && v != "" {
		return v
	}
	return def
}
