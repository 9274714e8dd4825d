// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindUnknown:   "unknown",
		KindInternal:  "internal",
		KindTransport: "transport",
		KindCompile:   "compile",
		KindConfig:    "config",
		KindStore:     "store",
		KindNotFound:  "not_found",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}

func TestWrapPreservesChain(t *testing.T) {
	base := stderrors.New("socket closed")
	err := Wrap(base, KindTransport, "batch submit failed")

	if !stderrors.Is(err, base) {
		t.Error("wrapped error should match the base via errors.Is")
	}
	if GetKind(err) != KindTransport {
		t.Errorf("expected KindTransport, got %v", GetKind(err))
	}
	if err.Error() != "batch submit failed: socket closed" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, KindInternal, "nope") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	if Wrapf(nil, KindInternal, "nope %d", 1) != nil {
		t.Error("Wrapf(nil) should return nil")
	}
}

func TestGetKindForeignError(t *testing.T) {
	if GetKind(fmt.Errorf("plain")) != KindUnknown {
		t.Error("foreign errors should report KindUnknown")
	}
}

func TestDisconnectedSentinel(t *testing.T) {
	err := Wrapf(ErrDisconnected, KindTransport, "submit %q", "add chain")
	if !stderrors.Is(err, ErrDisconnected) {
		t.Error("wrapped disconnect should still match ErrDisconnected")
	}
}
