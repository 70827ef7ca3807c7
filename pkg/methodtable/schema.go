// Package methodtable is the static method registry described in spec
// §4.C: a table keyed by (class-id, method-id) giving the method name,
// its argument schema, and whether it carries content (is followed by
// a header frame and body frames).
//
// The class/method ids and argument orderings here are grounded in the
// AMQP 0-9-1 class definitions as implemented by streadway/amqp's
// generated spec091.go (the predecessor of rabbitmq/amqp091-go) and
// cross-checked against fujiwara/trabbits' copy of the same generated
// file; this table is hand-written, not copied, and omits the Body and
// content-header Properties fields from method argument schemas since
// those belong to the channel's content-assembly path (§4.F), not to
// the method frame itself.
package methodtable

// Kind identifies the wire primitive an argument is encoded as.
type Kind int

const (
	KindBit Kind = iota // boolean; consecutive Bit args share packed octets
	KindOctet
	KindShort
	KindLong
	KindLongLong
	KindShortstr
	KindLongstr
	KindTable
	KindTimestamp
)

// Field describes one argument in a method's schema.
type Field struct {
	Name     string
	Kind     Kind
	Reserved bool // present on the wire but not exposed to callers
}

func f(name string, k Kind) Field  { return Field{Name: name, Kind: k} }
func bit(name string) Field        { return Field{Name: name, Kind: KindBit} }
func reserved(k Kind) Field        { return Field{Reserved: true, Kind: k} }

// Def is one registry entry: a method's identity, schema, and content
// flag.
type Def struct {
	ClassID        uint16
	MethodID       uint16
	ClassName      string
	MethodName     string
	Args           []Field
	CarriesContent bool // followed by a content header + body frames
	Synchronous    bool // sending it as a request blocks the caller for the paired reply
}

// Classes carrying content-bearing methods are exactly class 60
// (basic); everything else is pure control-plane.
const (
	ClassConnection = 10
	ClassChannel    = 20
	ClassExchange   = 40
	ClassQueue      = 50
	ClassBasic      = 60
	ClassTx         = 90
	ClassConfirm    = 85
)

var table = []Def{
	// connection (10)
	{ClassConnection, 10, "connection", "start", []Field{
		f("version-major", KindOctet), f("version-minor", KindOctet),
		f("server-properties", KindTable), f("mechanisms", KindLongstr), f("locales", KindLongstr),
	}, false, false},
	{ClassConnection, 11, "connection", "start-ok", []Field{
		f("client-properties", KindTable), f("mechanism", KindShortstr),
		f("response", KindLongstr), f("locale", KindShortstr),
	}, false, false},
	{ClassConnection, 20, "connection", "secure", []Field{f("challenge", KindLongstr)}, false, false},
	{ClassConnection, 21, "connection", "secure-ok", []Field{f("response", KindLongstr)}, false, false},
	{ClassConnection, 30, "connection", "tune", []Field{
		f("channel-max", KindShort), f("frame-max", KindLong), f("heartbeat", KindShort),
	}, false, false},
	{ClassConnection, 31, "connection", "tune-ok", []Field{
		f("channel-max", KindShort), f("frame-max", KindLong), f("heartbeat", KindShort),
	}, false, false},
	{ClassConnection, 40, "connection", "open", []Field{
		f("virtual-host", KindShortstr), reserved(KindShortstr), reserved(KindBit),
	}, false, true},
	{ClassConnection, 41, "connection", "open-ok", []Field{reserved(KindShortstr)}, false, false},
	{ClassConnection, 50, "connection", "close", []Field{
		f("reply-code", KindShort), f("reply-text", KindShortstr),
		f("class-id", KindShort), f("method-id", KindShort),
	}, false, true},
	{ClassConnection, 51, "connection", "close-ok", nil, false, false},
	{ClassConnection, 60, "connection", "blocked", []Field{f("reason", KindShortstr)}, false, false},
	{ClassConnection, 61, "connection", "unblocked", nil, false, false},

	// channel (20)
	{ClassChannel, 10, "channel", "open", []Field{reserved(KindShortstr)}, false, true},
	{ClassChannel, 11, "channel", "open-ok", []Field{reserved(KindLongstr)}, false, false},
	{ClassChannel, 20, "channel", "flow", []Field{bit("active")}, false, true},
	{ClassChannel, 21, "channel", "flow-ok", []Field{bit("active")}, false, false},
	{ClassChannel, 40, "channel", "close", []Field{
		f("reply-code", KindShort), f("reply-text", KindShortstr),
		f("class-id", KindShort), f("method-id", KindShort),
	}, false, true},
	{ClassChannel, 41, "channel", "close-ok", nil, false, false},

	// exchange (40)
	{ClassExchange, 10, "exchange", "declare", []Field{
		reserved(KindShort), f("exchange", KindShortstr), f("type", KindShortstr),
		bit("passive"), bit("durable"), bit("auto-delete"), bit("internal"), bit("no-wait"),
		f("arguments", KindTable),
	}, false, true},
	{ClassExchange, 11, "exchange", "declare-ok", nil, false, false},
	{ClassExchange, 20, "exchange", "delete", []Field{
		reserved(KindShort), f("exchange", KindShortstr), bit("if-unused"), bit("no-wait"),
	}, false, true},
	{ClassExchange, 21, "exchange", "delete-ok", nil, false, false},
	{ClassExchange, 30, "exchange", "bind", []Field{
		reserved(KindShort), f("destination", KindShortstr), f("source", KindShortstr),
		f("routing-key", KindShortstr), bit("no-wait"), f("arguments", KindTable),
	}, false, true},
	{ClassExchange, 31, "exchange", "bind-ok", nil, false, false},
	{ClassExchange, 40, "exchange", "unbind", []Field{
		reserved(KindShort), f("destination", KindShortstr), f("source", KindShortstr),
		f("routing-key", KindShortstr), bit("no-wait"), f("arguments", KindTable),
	}, false, true},
	{ClassExchange, 51, "exchange", "unbind-ok", nil, false, false},

	// queue (50)
	{ClassQueue, 10, "queue", "declare", []Field{
		reserved(KindShort), f("queue", KindShortstr),
		bit("passive"), bit("durable"), bit("exclusive"), bit("auto-delete"), bit("no-wait"),
		f("arguments", KindTable),
	}, false, true},
	{ClassQueue, 11, "queue", "declare-ok", []Field{
		f("queue", KindShortstr), f("message-count", KindLong), f("consumer-count", KindLong),
	}, false, false},
	{ClassQueue, 20, "queue", "bind", []Field{
		reserved(KindShort), f("queue", KindShortstr), f("exchange", KindShortstr),
		f("routing-key", KindShortstr), bit("no-wait"), f("arguments", KindTable),
	}, false, true},
	{ClassQueue, 21, "queue", "bind-ok", nil, false, false},
	{ClassQueue, 50, "queue", "unbind", []Field{
		reserved(KindShort), f("queue", KindShortstr), f("exchange", KindShortstr),
		f("routing-key", KindShortstr), f("arguments", KindTable),
	}, false, true},
	{ClassQueue, 51, "queue", "unbind-ok", nil, false, false},
	{ClassQueue, 30, "queue", "purge", []Field{
		reserved(KindShort), f("queue", KindShortstr), bit("no-wait"),
	}, false, true},
	{ClassQueue, 31, "queue", "purge-ok", []Field{f("message-count", KindLong)}, false, false},
	{ClassQueue, 40, "queue", "delete", []Field{
		reserved(KindShort), f("queue", KindShortstr), bit("if-unused"), bit("if-empty"), bit("no-wait"),
	}, false, true},
	{ClassQueue, 41, "queue", "delete-ok", []Field{f("message-count", KindLong)}, false, false},

	// basic (60)
	{ClassBasic, 10, "basic", "qos", []Field{
		f("prefetch-size", KindLong), f("prefetch-count", KindShort), bit("global"),
	}, false, true},
	{ClassBasic, 11, "basic", "qos-ok", nil, false, false},
	{ClassBasic, 20, "basic", "consume", []Field{
		reserved(KindShort), f("queue", KindShortstr), f("consumer-tag", KindShortstr),
		bit("no-local"), bit("no-ack"), bit("exclusive"), bit("no-wait"), f("arguments", KindTable),
	}, false, true},
	{ClassBasic, 21, "basic", "consume-ok", []Field{f("consumer-tag", KindShortstr)}, false, false},
	{ClassBasic, 30, "basic", "cancel", []Field{f("consumer-tag", KindShortstr), bit("no-wait")}, false, true},
	{ClassBasic, 31, "basic", "cancel-ok", []Field{f("consumer-tag", KindShortstr)}, false, false},
	{ClassBasic, 40, "basic", "publish", []Field{
		reserved(KindShort), f("exchange", KindShortstr), f("routing-key", KindShortstr),
		bit("mandatory"), bit("immediate"),
	}, true, false},
	{ClassBasic, 50, "basic", "return", []Field{
		f("reply-code", KindShort), f("reply-text", KindShortstr),
		f("exchange", KindShortstr), f("routing-key", KindShortstr),
	}, true, false},
	{ClassBasic, 60, "basic", "deliver", []Field{
		f("consumer-tag", KindShortstr), f("delivery-tag", KindLongLong), bit("redelivered"),
		f("exchange", KindShortstr), f("routing-key", KindShortstr),
	}, true, false},
	{ClassBasic, 70, "basic", "get", []Field{
		reserved(KindShort), f("queue", KindShortstr), bit("no-ack"),
	}, false, true},
	{ClassBasic, 71, "basic", "get-ok", []Field{
		f("delivery-tag", KindLongLong), bit("redelivered"), f("exchange", KindShortstr),
		f("routing-key", KindShortstr), f("message-count", KindLong),
	}, true, false},
	{ClassBasic, 72, "basic", "get-empty", []Field{reserved(KindShortstr)}, false, false},
	{ClassBasic, 80, "basic", "ack", []Field{f("delivery-tag", KindLongLong), bit("multiple")}, false, false},
	{ClassBasic, 90, "basic", "reject", []Field{f("delivery-tag", KindLongLong), bit("requeue")}, false, false},
	{ClassBasic, 100, "basic", "recover-async", []Field{bit("requeue")}, false, false},
	{ClassBasic, 110, "basic", "recover", []Field{bit("requeue")}, false, true},
	{ClassBasic, 111, "basic", "recover-ok", nil, false, false},
	{ClassBasic, 120, "basic", "nack", []Field{
		f("delivery-tag", KindLongLong), bit("multiple"), bit("requeue"),
	}, false, false},

	// tx (90)
	{ClassTx, 10, "tx", "select", nil, false, true},
	{ClassTx, 11, "tx", "select-ok", nil, false, false},
	{ClassTx, 20, "tx", "commit", nil, false, true},
	{ClassTx, 21, "tx", "commit-ok", nil, false, false},
	{ClassTx, 30, "tx", "rollback", nil, false, true},
	{ClassTx, 31, "tx", "rollback-ok", nil, false, false},

	// confirm (85), RabbitMQ extension
	{ClassConfirm, 10, "confirm", "select", []Field{bit("no-wait")}, false, true},
	{ClassConfirm, 11, "confirm", "select-ok", nil, false, false},
}

var (
	byID   = make(map[uint32]*Def, len(table))
	byName = make(map[string]*Def, len(table))
)

func init() {
	for i := range table {
		d := &table[i]
		byID[key(d.ClassID, d.MethodID)] = d
		byName[d.ClassName+"."+d.MethodName] = d
	}
}

func key(classID, methodID uint16) uint32 { return uint32(classID)<<16 | uint32(methodID) }

// Lookup returns the registry entry for (classID, methodID), or
// (nil, false) if the pair is unknown to this registry.
func Lookup(classID, methodID uint16) (*Def, bool) {
	d, ok := byID[key(classID, methodID)]
	return d, ok
}

// LookupName returns the registry entry named "class.method" (e.g.
// "queue.declare").
func LookupName(name string) (*Def, bool) {
	d, ok := byName[name]
	return d, ok
}
