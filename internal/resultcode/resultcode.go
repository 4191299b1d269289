// Package resultcode defines the error taxonomy shared by the repository
// synchronizer and its archive extractor.
package resultcode

import "github.com/pkg/errors"

// Code is a sentinel error identifying one outcome from spec §3/§7. Compare
// with errors.Is rather than switching on the string value, since call
// sites frequently wrap a Code with additional context via errors.Wrap.
type Code struct {
	name string
}

func (c *Code) Error() string {
	return c.name
}

// Sentinel ResultCodes. NoError is not itself returned as an error value;
// it exists so Repository.Failure() has something to compare against.
var (
	NoError        = &Code{"no error"}
	NotFound       = &Code{"not found"}
	Socket         = &Code{"socket error"}
	IO             = &Code{"io error"}
	Checksum       = &Code{"checksum mismatch"}
	FileNotFound   = &Code{"file not found"}
	HTTP           = &Code{"http error"}
	Cancelled      = &Code{"cancelled"}
	PartialUpdate  = &Code{"partial update"}
)

// Is lets errors.Is(err, resultcode.Checksum) work against a wrapped Code.
func (c *Code) Is(target error) bool {
	other, ok := target.(*Code)
	return ok && other == c
}

// From returns the innermost *Code wrapped by err, or nil if err does not
// wrap one of the sentinels in this package.
func From(err error) *Code {
	if err == nil {
		return nil
	}
	for _, c := range []*Code{NotFound, Socket, IO, Checksum, FileNotFound, HTTP, Cancelled, PartialUpdate} {
		if errors.Is(err, c) {
			return c
		}
	}
	return nil
}
