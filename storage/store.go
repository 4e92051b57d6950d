package storage

import (
	"context"
	"errors"
)

var ErrNoSuchItem = errors.New("no such item")

// Attr is a single attribute of a menu row.
type Attr struct {
	Name  string
	Value string
}

// Row is one item of a menu, e.g. one ARP entry. The ".id" attribute always
// comes first.
type Row []Attr

// Get returns the value of name and whether the row has it.
func (r Row) Get(name string) (string, bool) {
	for _, a := range r {
		if a.Name == name {
			return a.Value, true
		}
	}

	return "", false
}

// ID returns the ".id" attribute of the row.
func (r Row) ID() string {
	id, _ := r.Get(".id")
	return id
}

// Update is a change to a single row.
type Update struct {
	Menu    string
	Row     Row
	Removed bool
}

// Store holds the menus of an emulated device.
type Store interface {
	Add(ctx context.Context, menu string, attrs Row) (id string, err error)
	Set(ctx context.Context, menu, id string, attrs Row) error
	Remove(ctx context.Context, menu, id string) error
	List(ctx context.Context, menu string) ([]Row, error)

	Restore(values []byte) error
	Backup() ([]byte, error)

	ListenToUpdates() <-chan *Update

	Close() error
}
