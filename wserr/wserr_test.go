package wserr_test

import (
	"errors"
	"testing"

	"github.com/floydous/webshocket/wserr"
)

func TestRPCErrorMessage(t *testing.T) {
	err := wserr.New("method not allowed here")
	if err.Error() != "method not allowed here" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestMessageErrorUnwraps(t *testing.T) {
	cause := errors.New("truncated frame")
	err := &wserr.MessageError{Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
}
