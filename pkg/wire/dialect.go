package wire

// Dialect selects which field-table tag letters are emitted for the
// narrower integer types. Reads always accept both dialects; only the
// writer consults this setting.
type Dialect uint8

const (
	// DialectRabbit emits RabbitMQ's extended tag set (distinct tags for
	// signed/unsigned 8/16/32/64-bit integers). This is the default: it
	// is what every RabbitMQ broker and the reference client emit.
	DialectRabbit Dialect = iota
	// DialectStrict091 emits the narrower tag set from the AMQP 0-9-1
	// standard, where some narrower integer widths collapse onto wider
	// ones.
	DialectStrict091
)

func (d Dialect) String() string {
	if d == DialectStrict091 {
		return "strict-091"
	}
	return "rabbit"
}

// ParseDialect maps the `wire_dialect` configuration value to a Dialect.
// Unrecognized values fall back to DialectRabbit.
func ParseDialect(s string) Dialect {
	switch s {
	case "strict-091", "strict091", "0-9-1", "091":
		return DialectStrict091
	default:
		return DialectRabbit
	}
}
