package assign

import (
	"fmt"

	"github.com/taskfold/taskfold/vault"
)

// Validator decides whether an intake document is fit to enter the
// queue. A validation error quarantines the document; it never becomes
// assignable.
type Validator interface {
	Validate(filename string, raw []byte) (*vault.Task, error)
}

// DocumentValidator is the default validator: the metadata block must
// parse and the document id must match the file name.
type DocumentValidator struct{}

// Validate implements Validator.
func (DocumentValidator) Validate(filename string, raw []byte) (*vault.Task, error) {
	task, err := vault.ParseDocument(raw)
	if err != nil {
		return nil, err
	}
	if task.Filename() != filename {
		return nil, &vault.ParseError{Problems: []string{
			fmt.Sprintf("id %q does not match file name %q", task.ID, filename),
		}}
	}
	return task, nil
}

var _ Validator = DocumentValidator{}
