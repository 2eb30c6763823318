package linklayer

import (
	"errors"
	"testing"
)

func TestIsPermissionErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "permission denied", err: errors.New("socket: permission denied"), want: true},
		{name: "operation not permitted mixed case", err: errors.New("Operation Not Permitted"), want: true},
		{name: "unrelated", err: errors.New("no such device"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isPermissionErr(tt.err); got != tt.want {
				t.Errorf("isPermissionErr() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyOpenErr(t *testing.T) {
	err := classifyOpenErr("eth-does-not-exist-xyz", errors.New("no such device"))
	if !errors.Is(err, ErrInterfaceNotFound) {
		t.Errorf("classifyOpenErr() = %v, want wrapped ErrInterfaceNotFound", err)
	}
}
