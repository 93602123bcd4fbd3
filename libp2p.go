// Package libp2p is the top-level entry point: New wires a Node Facade out
// of a config.Config built from functional options. Grounded on the
// teacher's root-level libp2p.go, rescoped to this module's in-scope
// stand-in stack.
package libp2p

import (
	"github.com/meshward/go-p2pnode/config"
	"github.com/meshward/go-p2pnode/core/host"
)

// Config describes a set of settings for a node.
type Config = config.Config

// Option is a config option that can be given to New.
type Option = config.Option

// ChainOptions chains multiple options into a single option.
func ChainOptions(opts ...Option) Option {
	return config.ChainOptions(opts...)
}

// New constructs a new node with the given options, falling back on
// reasonable defaults for anything left unset. The defaults are:
//
//   - If no listen addresses are provided, the node listens on a single
//     /memory/<peer-id> address (spec §8's in-process test transport).
//   - If no transport is provided, the node uses the in-process memory
//     transport.
//   - If no muxer is provided, the node uses simplemux.
//   - If no security transport is provided, the node uses plaintext
//     (peer-id-authenticated, not confidential — see p2p/security/plaintext).
//   - If no peer identity is provided, it generates a random Ed25519
//     key-pair and derives a new identity from it.
//   - If no peerstore is provided, the node uses the in-memory peerstore.
//
// To stop a node, call Close on the returned Host.
func New(opts ...Option) (host.Host, error) {
	var cfg Config
	if err := cfg.Apply(opts...); err != nil {
		return nil, err
	}
	return cfg.NewNode()
}
