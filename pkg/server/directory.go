package server

import (
	"sort"
	"sync"
)

// Directory maps live connections to the names they claimed and back. It is
// the only record of who is connected.
type Directory struct {
	mu     sync.RWMutex
	byName map[string]*Conn
	byConn map[*Conn]string
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{
		byName: make(map[string]*Conn),
		byConn: make(map[*Conn]string),
	}
}

// Bind records name for conn. It fails with ErrNameInUse when another
// connection holds the name and with ErrAlreadyConnected when conn is
// already bound to a different name. Rebinding the same pair is a no-op.
func (d *Directory) Bind(name string, conn *Conn) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if holder, ok := d.byName[name]; ok {
		if holder == conn {
			return nil
		}
		return ErrNameInUse
	}
	if _, ok := d.byConn[conn]; ok {
		return ErrAlreadyConnected
	}

	d.byName[name] = conn
	d.byConn[conn] = name
	return nil
}

// Unbind removes conn and its name. It returns the name that was bound, or
// false if conn was not bound.
func (d *Directory) Unbind(conn *Conn) (string, bool) {
	return d.UnbindWith(conn, nil)
}

// UnbindWith is Unbind with a release step. release runs with the directory
// lock still held, so nobody can claim the name until it returns. It must
// not call back into the Directory.
func (d *Directory) UnbindWith(conn *Conn, release func(name string)) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	name, ok := d.byConn[conn]
	if !ok {
		return "", false
	}
	delete(d.byConn, conn)
	delete(d.byName, name)
	if release != nil {
		release(name)
	}
	return name, true
}

// Lookup returns the connection bound to name
func (d *Directory) Lookup(name string) (*Conn, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	conn, ok := d.byName[name]
	return conn, ok
}

// WhoIs returns the name bound to conn
func (d *Directory) WhoIs(conn *Conn) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	name, ok := d.byConn[conn]
	return name, ok
}

// Snapshot returns the bound names, sorted. The slice is a copy.
func (d *Directory) Snapshot() []string {
	d.mu.RLock()
	names := make([]string, 0, len(d.byName))
	for name := range d.byName {
		names = append(names, name)
	}
	d.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Conns returns every bound connection
func (d *Directory) Conns() []*Conn {
	d.mu.RLock()
	defer d.mu.RUnlock()

	conns := make([]*Conn, 0, len(d.byConn))
	for conn := range d.byConn {
		conns = append(conns, conn)
	}
	return conns
}

// Len returns the number of bound names
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byName)
}
