// Package protoselect implements the length-prefixed line protocol used to
// negotiate the next protocol to run over a byte stream (spec §4.1,
// "Protocol Select"). It is used both for muxer selection during connection
// upgrade and for per-stream protocol selection afterwards.
//
// Wire format: every message is a UTF-8 line terminated by '\n', prefixed
// with its length as an unsigned varint (github.com/multiformats/go-varint).
// The version line is exchanged at the start of every negotiation; "ls" and
// "na" are the only other control tokens.
package protoselect

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/meshward/go-p2pnode/core/protocol"

	logging "github.com/ipfs/go-log/v2"
	varint "github.com/multiformats/go-varint"
)

var log = logging.Logger("protoselect")

// ProtocolID is the version line exchanged at the start of every
// negotiation, mirroring multistream-select's "/multistream/1.0.0".
const ProtocolID = "/multistream/1.0.0"

const (
	tokenLs = "ls"
	tokenNA = "na"
)

var ErrUnsupported = errors.New("protocol select: no protocol in common")
var ErrNotAvailable = errors.New("protocol select: protocol not available (na)")

// ReadWriter is the minimal capability Protocol Select needs from a stream:
// a reader and a writer, composed by callers from their network.Stream.
type ReadWriter interface {
	io.Reader
	io.Writer
}

// writeMsg writes a single varint-length-prefixed '\n'-terminated line.
func writeMsg(w io.Writer, s string) error {
	line := s + "\n"
	prefix := varint.ToUvarint(uint64(len(line)))
	if _, err := w.Write(prefix); err != nil {
		return err
	}
	_, err := io.WriteString(w, line)
	return err
}

// readMsg reads a single varint-length-prefixed '\n'-terminated line and
// returns it with the trailing newline stripped.
func readMsg(r *bufio.Reader) (string, error) {
	l, err := varint.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	if l > maxMessageLen {
		return "", fmt.Errorf("protoselect: message too long: %d", l)
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	if len(buf) == 0 || buf[len(buf)-1] != '\n' {
		return "", errors.New("protoselect: message missing trailing newline")
	}
	return string(buf[:len(buf)-1]), nil
}

const maxMessageLen = 64 * 1024

// Select proposes candidates, in order, to the listener on the other end of
// rw, and returns the first one the listener accepts. Fails with
// ErrUnsupported if none match.
func Select(rw ReadWriter, candidates []protocol.ID) (protocol.ID, error) {
	if err := writeMsg(rw, ProtocolID); err != nil {
		return "", err
	}
	br := bufio.NewReader(rw)
	resp, err := readMsg(br)
	if err != nil {
		return "", err
	}
	if resp != ProtocolID {
		return "", fmt.Errorf("protoselect: unexpected version response %q", resp)
	}

	for _, c := range candidates {
		if err := writeMsg(rw, string(c)); err != nil {
			return "", err
		}
		resp, err := readMsg(br)
		if err != nil {
			return "", err
		}
		if resp == string(c) {
			return c, nil
		}
		if resp != tokenNA {
			return "", fmt.Errorf("protoselect: unexpected response %q", resp)
		}
	}
	return "", ErrUnsupported
}

// Handle mirrors the listener side: it reads the dialer's version line and
// proposals, replying with the first proposal present in supported, "na" to
// everything else, and the supported list to an "ls" query.
func Handle(rw ReadWriter, supported []protocol.ID) (protocol.ID, error) {
	br := bufio.NewReader(rw)
	line, err := readMsg(br)
	if err != nil {
		return "", err
	}
	if line != ProtocolID {
		return "", fmt.Errorf("protoselect: unexpected version line %q", line)
	}
	if err := writeMsg(rw, ProtocolID); err != nil {
		return "", err
	}

	for {
		line, err := readMsg(br)
		if err != nil {
			return "", err
		}
		switch line {
		case tokenLs:
			if err := writeMsg(rw, strings.Join(idsToStrings(supported), "\n")); err != nil {
				return "", err
			}
			continue
		default:
			for _, s := range supported {
				if string(s) == line {
					if err := writeMsg(rw, line); err != nil {
						return "", err
					}
					return s, nil
				}
			}
			if err := writeMsg(rw, tokenNA); err != nil {
				return "", err
			}
		}
	}
}

func idsToStrings(ids []protocol.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

// LazySelect optimistically treats single as accepted: it writes the version
// line, the proposal, and the caller's first application write in one go,
// without waiting for a reply. It returns only a write error; the listener's
// replies stay unread on rw until the caller reads them, for example with
// VerifyLazyAccepted.
func LazySelect(rw ReadWriter, single protocol.ID, firstWrite []byte) error {
	if err := writeMsg(rw, ProtocolID); err != nil {
		return err
	}
	if err := writeMsg(rw, string(single)); err != nil {
		return err
	}
	if len(firstWrite) > 0 {
		if _, err := rw.Write(firstWrite); err != nil {
			return err
		}
	}
	return nil
}

// VerifyLazyAccepted reads the two replies a lazySelect peer would have sent
// (version line, protocol echo or na) from br. Used by the dialer if it
// wants an explicit confirmation instead of discovering rejection lazily on
// first read.
func VerifyLazyAccepted(br *bufio.Reader, single protocol.ID) error {
	resp, err := readMsg(br)
	if err != nil {
		return err
	}
	if resp != ProtocolID {
		return fmt.Errorf("protoselect: unexpected version response %q", resp)
	}
	resp, err = readMsg(br)
	if err != nil {
		return err
	}
	if resp == string(single) {
		return nil
	}
	if resp == tokenNA {
		return ErrUnsupported
	}
	return fmt.Errorf("protoselect: unexpected response %q", resp)
}
