// Package node manages the identity of a levelq process.
//
// Every data directory holds a persistent ULID (the node id) generated on first
// start. Each start additionally draws a fresh incarnation ULID, so two
// lifetimes of the same node never present the same lease owner: a lease taken
// before a crash can not be resolved by the restarted process.
package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const nodeIDFile = "node_id"

// ID is a ULID string that identifies a levelq node. It is stable across
// restarts within the same data directory.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Node holds the identity of this process.
type Node struct {
	id          ID
	incarnation ID
	region      string
	dataDir     string
}

// Option configures a Node.
type Option func(*Node)

// WithRegion records the region the node runs in.
func WithRegion(region string) Option {
	return func(n *Node) { n.region = region }
}

// New returns a Node whose ID is loaded from dataDir/node_id, generating and
// persisting one if the file does not exist. An override other than "" or
// "auto" must be a valid ULID and replaces the file-based id.
func New(dataDir, idOverride string, opts ...Option) (*Node, error) {
	if dataDir == "" {
		return nil, errors.New("node: dataDir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	var id ID
	if idOverride != "" && idOverride != "auto" {
		if err := validateULID(idOverride); err != nil {
			return nil, fmt.Errorf("node: invalid id override %q: %w", idOverride, err)
		}
		id = ID(idOverride)
	} else {
		var err error
		if id, err = loadOrGenerate(dataDir); err != nil {
			return nil, err
		}
	}

	inc, err := generateULID()
	if err != nil {
		return nil, fmt.Errorf("node: generate incarnation: %w", err)
	}

	n := &Node{id: id, incarnation: inc, dataDir: dataDir}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

// ID returns the node's stable ULID.
func (n *Node) ID() ID { return n.id }

// Incarnation returns the ULID drawn for this process lifetime.
func (n *Node) Incarnation() ID { return n.incarnation }

// Region returns the configured region, possibly empty.
func (n *Node) Region() string { return n.region }

// DataDir returns the root data directory for this node.
func (n *Node) DataDir() string { return n.dataDir }

// LeaseOwner is the value a dispatcher running in this process writes into the
// lease owner field of the items it claims.
func (n *Node) LeaseOwner() string {
	return n.id.String() + "/" + n.incarnation.String()
}

func loadOrGenerate(dataDir string) (ID, error) {
	path := filepath.Join(dataDir, nodeIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if err := validateULID(id); err != nil {
			return "", fmt.Errorf("node: persisted id %q is invalid: %w", id, err)
		}
		return ID(id), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("node: read id file: %w", err)
	}

	id, err := generateULID()
	if err != nil {
		return "", fmt.Errorf("node: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("node: persist id: %w", err)
	}
	return id, nil
}

// Shared monotonic entropy keeps ULIDs ordered within one millisecond.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

func generateULID() (ID, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), monoEntropy)
	if err != nil {
		return "", err
	}
	return ID(id.String()), nil
}

func validateULID(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}

// NewID generates a fresh ULID. Tests use it to build distinct lease owners.
func NewID() (string, error) {
	id, err := generateULID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("node.MustNewID: %v", err))
	}
	return id
}
