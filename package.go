package htcp

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/htcpnet/htcp/wire"
)

// ErrMalformedPackage is reported when a frame body cannot be parsed
// into a package. A malformed package is fatal to its connection.
var ErrMalformedPackage = errors.New("malformed package")

// A Package is the logical request/response unit of the protocol. It
// names a transaction, carries an opaque payload, and is correlated
// with its reply by a unique identifier generated once by the client
// and echoed unchanged by the server.
//
// A package must not be modified after it has been sent.
type Package struct {
	Transaction string // the transaction name
	Content     []byte // opaque payload
	UUID        string // correlation identifier
	Origin      string // "host:port" of the sender; set on send
	Status      Status // result status; meaningful on responses only
}

// NewPackage constructs a request package for the named transaction
// with a freshly generated correlation identifier.
func NewPackage(transaction string, content []byte) *Package {
	return &Package{
		Transaction: transaction,
		Content:     content,
		UUID:        uuid.NewString(),
	}
}

// Encode encodes the package into a frame body.
func (p *Package) Encode() []byte {
	var b wire.Builder
	b.Byte(byte(p.Status))
	b.FieldString(p.Transaction)
	b.FieldString(p.UUID)
	b.FieldString(p.Origin)
	b.Field(p.Content)
	return b.Bytes()
}

// Decode decodes a frame body into p. A body that does not parse into
// the required fields reports an error wrapping [ErrMalformedPackage].
func (p *Package) Decode(body []byte) error {
	s := wire.NewScanner(body)

	status, err := s.Byte()
	if err != nil {
		return fmt.Errorf("%w: missing status: %v", ErrMalformedPackage, err)
	}
	if Status(status) > StatusProtocolError {
		return fmt.Errorf("%w: invalid status %d", ErrMalformedPackage, status)
	}
	tx, err := s.FieldString()
	if err != nil {
		return fmt.Errorf("%w: transaction: %v", ErrMalformedPackage, err)
	}
	if tx == "" {
		return fmt.Errorf("%w: empty transaction name", ErrMalformedPackage)
	}
	id, err := s.FieldString()
	if err != nil {
		return fmt.Errorf("%w: uuid: %v", ErrMalformedPackage, err)
	}
	origin, err := s.FieldString()
	if err != nil {
		return fmt.Errorf("%w: origin: %v", ErrMalformedPackage, err)
	}
	content, err := s.Field()
	if err != nil {
		return fmt.Errorf("%w: content: %v", ErrMalformedPackage, err)
	}
	if s.Len() != 0 {
		return fmt.Errorf("%w: %d extra bytes", ErrMalformedPackage, s.Len())
	}

	p.Status = Status(status)
	p.Transaction = tx
	p.UUID = id
	p.Origin = origin
	if len(content) > 0 {
		p.Content = content
	} else {
		p.Content = nil
	}
	return nil
}

// String returns a human-friendly rendering of the package.
func (p *Package) String() string {
	return fmt.Sprintf("Package(%s, uuid=%s, status=%v, [%d bytes])",
		p.Transaction, p.UUID, p.Status, len(p.Content))
}

// Status describes the result of a dispatched transaction. All status
// values not defined here are reserved.
type Status byte

const (
	StatusSuccess       Status = 0 // the handler completed successfully
	StatusHandlerError  Status = 1 // the handler reported or raised an error
	StatusProtocolError Status = 2 // the request could not be dispatched
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusHandlerError:
		return "HANDLER_ERROR"
	case StatusProtocolError:
		return "PROTOCOL_ERROR"
	default:
		return fmt.Sprintf("status %d", byte(s))
	}
}

// A TransactionError is reported by [Client.Ask] when the server
// replied with a non-success status. The Response field holds the
// complete reply package.
type TransactionError struct {
	Response *Package
}

// Error satisfies the error interface.
func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %q: %v: %s",
		e.Response.Transaction, e.Response.Status, e.Response.Content)
}
