package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// InmemoryStore keeps every menu in a single JSON document
//
//   {"ip_arp": [{".id": "*1", "address": "192.168.88.100"}]}
//
// so the whole device state can be backed up and restored in one go.
type InmemoryStore struct {
	valuesMu sync.Mutex
	values   []byte
	nextID   uint64

	mu          sync.Mutex
	updateChans []chan *Update

	// stop willl be closed when Close() is called
	stop chan struct{}
}

func NewInmemoryStore() *InmemoryStore {
	return &InmemoryStore{
		values:      []byte(""),
		stop:        make(chan struct{}),
		updateChans: make([]chan *Update, 0),
	}
}

func (i *InmemoryStore) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return nil
	}

	close(i.stop)

	for _, updateChan := range i.updateChans {
		close(updateChan)
	}

	return nil
}

func (i *InmemoryStore) Add(ctx context.Context, menu string, attrs Row) (string, error) {
	i.valuesMu.Lock()

	i.nextID++
	id := "*" + strings.ToUpper(strconv.FormatUint(i.nextID, 16))

	row := append(Row{{Name: ".id", Value: id}}, withoutID(attrs)...)

	obj := []byte("{}")
	for _, attr := range row {
		var err error
		if obj, err = sjson.SetBytes(obj, escapeKey(attr.Name), attr.Value); err != nil {
			i.valuesMu.Unlock()
			return "", err
		}
	}

	values, err := sjson.SetRawBytes(i.values, menuKey(menu)+".-1", obj)
	if err != nil {
		i.valuesMu.Unlock()
		return "", err
	}
	i.values = values

	i.valuesMu.Unlock()

	i.publish(&Update{Menu: menu, Row: row})

	return id, nil
}

func (i *InmemoryStore) Set(ctx context.Context, menu, id string, attrs Row) error {
	i.valuesMu.Lock()

	idx, _ := i.find(menu, id)
	if idx < 0 {
		i.valuesMu.Unlock()
		return fmt.Errorf("Failed to set %s %s: %w", menu, id, ErrNoSuchItem)
	}

	for _, attr := range withoutID(attrs) {
		path := fmt.Sprintf("%s.%d.%s", menuKey(menu), idx, escapeKey(attr.Name))

		values, err := sjson.SetBytes(i.values, path, attr.Value)
		if err != nil {
			i.valuesMu.Unlock()
			return err
		}
		i.values = values
	}

	_, row := i.find(menu, id)
	i.valuesMu.Unlock()

	i.publish(&Update{Menu: menu, Row: row})

	return nil
}

func (i *InmemoryStore) Remove(ctx context.Context, menu, id string) error {
	i.valuesMu.Lock()

	idx, row := i.find(menu, id)
	if idx < 0 {
		i.valuesMu.Unlock()
		return fmt.Errorf("Failed to remove %s %s: %w", menu, id, ErrNoSuchItem)
	}

	values, err := sjson.DeleteBytes(i.values, fmt.Sprintf("%s.%d", menuKey(menu), idx))
	if err != nil {
		i.valuesMu.Unlock()
		return err
	}
	i.values = values

	i.valuesMu.Unlock()

	i.publish(&Update{Menu: menu, Row: row, Removed: true})

	return nil
}

func (i *InmemoryStore) List(ctx context.Context, menu string) ([]Row, error) {
	i.valuesMu.Lock()
	defer i.valuesMu.Unlock()

	var rows []Row

	gjson.GetBytes(i.values, menuKey(menu)).ForEach(func(_, value gjson.Result) bool {
		rows = append(rows, toRow(value))
		return true
	})

	return rows, nil
}

func (i *InmemoryStore) ListenToUpdates() <-chan *Update {
	i.mu.Lock()
	defer i.mu.Unlock()

	updateChan := make(chan *Update, 255)
	i.updateChans = append(i.updateChans, updateChan)

	return updateChan
}

func (i *InmemoryStore) Restore(values []byte) error {
	if len(values) > 0 && !gjson.ValidBytes(values) {
		return fmt.Errorf("Failed to restore: invalid JSON document")
	}

	i.valuesMu.Lock()
	defer i.valuesMu.Unlock()

	i.values = values
	i.nextID = 0

	// Keep new ids clear of restored ones
	gjson.ParseBytes(values).ForEach(func(_, menu gjson.Result) bool {
		menu.ForEach(func(_, row gjson.Result) bool {
			id := strings.TrimPrefix(row.Get(`\.id`).String(), "*")
			if n, err := strconv.ParseUint(id, 16, 64); err == nil && n > i.nextID {
				i.nextID = n
			}
			return true
		})
		return true
	})

	return nil
}

func (i *InmemoryStore) Backup() ([]byte, error) {
	i.valuesMu.Lock()
	defer i.valuesMu.Unlock()

	if len(i.values) == 0 {
		return []byte("{}"), nil
	}

	out := make([]byte, len(i.values))
	copy(out, i.values)
	return out, nil
}

func (i *InmemoryStore) publish(update *Update) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return
	}

	for _, updateChan := range i.updateChans {
		updateChan <- update
	}
}

// find returns the array index and contents of row id in menu, or -1.
func (i *InmemoryStore) find(menu, id string) (int, Row) {
	var (
		idx   = -1
		n     = 0
		found Row
	)

	gjson.GetBytes(i.values, menuKey(menu)).ForEach(func(_, value gjson.Result) bool {
		if value.Get(`\.id`).String() == id {
			idx = n
			found = toRow(value)
			return false
		}
		n++
		return true
	})

	return idx, found
}

// isRunning returns true if Close has not been called
func (i *InmemoryStore) isRunning() bool {
	select {
	case <-i.stop:
		return false

	default:
		return true
	}
}

func toRow(value gjson.Result) Row {
	var row Row

	value.ForEach(func(key, v gjson.Result) bool {
		row = append(row, Attr{Name: key.String(), Value: v.String()})
		return true
	})

	return row
}

func withoutID(attrs Row) Row {
	out := make(Row, 0, len(attrs))

	for _, attr := range attrs {
		if attr.Name != ".id" {
			out = append(out, attr)
		}
	}

	return out
}

// menuKey turns "/ip/arp" into the top level key "ip_arp".
func menuKey(menu string) string {
	return strings.ReplaceAll(strings.Trim(menu, "/"), "/", "_")
}

// escapeKey escapes the characters gjson and sjson give meaning to in paths.
func escapeKey(key string) string {
	var b strings.Builder

	for _, r := range key {
		if strings.ContainsRune(`\.*?|#@!=<>%:`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}

	return b.String()
}

var _ Store = (*InmemoryStore)(nil)
