// Package proxyproto implements the ordered outer/proxy control
// channel of §5 and §9 ("Message channels"): proxy→outer carries the
// payload pid, outer→proxy carries a one-byte "start" signal, and
// proxy→outer carries the final RunStatistics. Each message is a
// happens-before barrier; the sequence is strictly ordered.
//
// encoding/gob frames the pid and statistics messages. Both endpoints
// are the same binary on the same host for the lifetime of one run,
// so there is no schema-evolution or cross-language need that would
// justify a wire-format library; hand-writing protobuf stubs without
// running protoc would mean fabricating generated code.
package proxyproto

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/sandboxrun/sandboxrun/internal/sberrors"
	"github.com/sandboxrun/sandboxrun/internal/supervisor"
)

// ProxySide is the proxy process's end of the channel.
type ProxySide struct {
	toOuter   *os.File
	fromOuter *os.File
}

// OuterSide is the outer process's end of the channel.
type OuterSide struct {
	fromProxy *os.File
	toProxy   *os.File
}

// New creates the two pipe pairs backing one run's control channel.
// The caller forks the proxy after calling New and passes ProxySide's
// files across the fork; the outer process retains OuterSide and
// closes the proxy-owned ends of each pipe once the child is started.
func New() (ProxySide, OuterSide, error) {
	proxyToOuterR, proxyToOuterW, err := os.Pipe()
	if err != nil {
		return ProxySide{}, OuterSide{}, fmt.Errorf("create proxy-to-outer pipe: %w", err)
	}
	outerToProxyR, outerToProxyW, err := os.Pipe()
	if err != nil {
		proxyToOuterR.Close()
		proxyToOuterW.Close()
		return ProxySide{}, OuterSide{}, fmt.Errorf("create outer-to-proxy pipe: %w", err)
	}

	proxy := ProxySide{toOuter: proxyToOuterW, fromOuter: outerToProxyR}
	outer := OuterSide{fromProxy: proxyToOuterR, toProxy: outerToProxyW}
	return proxy, outer, nil
}

// FromFiles reconstructs a ProxySide from two already-connected pipe
// ends inherited across a re-exec (e.g. via os/exec's ExtraFiles),
// rather than freshly created by New.
func FromFiles(toOuter, fromOuter *os.File) ProxySide {
	return ProxySide{toOuter: toOuter, fromOuter: fromOuter}
}

// ToOuterFile and FromOuterFile expose the proxy's own pipe ends so
// the outer process can hand them to the proxy across a re-exec via
// os/exec's ExtraFiles, rather than an inherited fd from a plain fork.
func (p ProxySide) ToOuterFile() *os.File   { return p.toOuter }
func (p ProxySide) FromOuterFile() *os.File { return p.fromOuter }

// CloseProxyEnds closes the file descriptors the outer process does
// not use directly after forking the proxy, so EOF on the outer's
// read end reliably signals proxy exit.
func (o OuterSide) CloseProxyEnds(proxy ProxySide) {
	proxy.toOuter.Close()
	proxy.fromOuter.Close()
}

// Close releases the outer process's own pipe ends.
func (o OuterSide) Close() {
	o.fromProxy.Close()
	o.toProxy.Close()
}

// Close releases the proxy process's own pipe ends.
func (p ProxySide) Close() {
	p.toOuter.Close()
	p.fromOuter.Close()
}

// SendPid sends the payload pid, message (i) of the rendezvous.
func (p ProxySide) SendPid(pid int) error {
	return sberrors.Protocol("send payload pid", writeFrame(p.toOuter, int32(pid)))
}

// RecvPid receives the payload pid.
func (o OuterSide) RecvPid() (int, error) {
	var pid int32
	if err := readFrame(o.fromProxy, &pid); err != nil {
		return 0, sberrors.Protocol("receive payload pid", err)
	}
	return int(pid), nil
}

// SendStart sends the one-byte go-signal, message (ii). The outer
// process must have already attached the payload pid to the cgroup
// before calling this (or have used IntoCgroup, making the rendezvous
// advisory rather than correctness-gating; see SPEC_FULL.md §C.5).
func (o OuterSide) SendStart() error {
	_, err := o.toProxy.Write([]byte{1})
	return sberrors.Protocol("send start signal", err)
}

// RecvStart blocks until the outer process sends the go-signal.
func (p ProxySide) RecvStart() error {
	var buf [1]byte
	_, err := io.ReadFull(p.fromOuter, buf[:])
	return sberrors.Protocol("receive start signal", err)
}

// SendStats sends the final RunStatistics, message (iii).
func (p ProxySide) SendStats(stats supervisor.RunStatistics) error {
	return sberrors.Protocol("send run statistics", writeFrame(p.toOuter, stats))
}

// RecvStats receives the final RunStatistics.
func (o OuterSide) RecvStats() (supervisor.RunStatistics, error) {
	var stats supervisor.RunStatistics
	if err := readFrame(o.fromProxy, &stats); err != nil {
		return supervisor.RunStatistics{}, sberrors.Protocol("receive run statistics", err)
	}
	return stats, nil
}

// writeFrame gob-encodes v and writes it length-prefixed so the
// reader knows exactly how many bytes to consume from the shared
// pipe, even if the writer's gob stream would otherwise need to be
// read incrementally.
func writeFrame(w io.Writer, v any) error {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(v); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(body.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

func readFrame(r io.Reader, v any) error {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	size := binary.BigEndian.Uint32(lenPrefix[:])
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read frame body: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}
