package workflow

// Chunk is the unit of data flowing along graph edges: a small dynamic
// record. Producers set the keys their port documents; consumers read them
// through the typed accessors and treat missing keys as zero values.
type Chunk map[string]any

// Str returns the string at key, or "" when absent or not a string.
func (c Chunk) Str(key string) string {
	s, _ := c[key].(string)
	return s
}

// Bytes returns the byte slice at key, or nil.
func (c Chunk) Bytes(key string) []byte {
	b, _ := c[key].([]byte)
	return b
}

// Int64 returns the integer at key. Accepts the numeric types a chunk may
// reasonably carry.
func (c Chunk) Int64(key string) int64 {
	switch v := c[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// Bool returns the bool at key, or false.
func (c Chunk) Bool(key string) bool {
	b, _ := c[key].(bool)
	return b
}

// Float returns the float at key, or 0.
func (c Chunk) Float(key string) float64 {
	switch v := c[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
