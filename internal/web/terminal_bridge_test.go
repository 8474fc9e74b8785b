package web

import (
	"reflect"
	"testing"
)

func TestEnvironWithoutTMUX(t *testing.T) {
	in := []string{"HOME=/home/u", "TMUX=/tmp/tmux-1/default,123,0", "TMUX_PANE=%1", "PATH=/bin"}
	got := environWithoutTMUX(in)
	want := []string{"HOME=/home/u", "TMUX_PANE=%1", "PATH=/bin"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestNewPTYBridgeRequiresCommand(t *testing.T) {
	if _, err := newPTYBridge(nil, "", &wsConnWriter{}); err == nil {
		t.Fatal("expected error for empty command")
	}
	if _, err := newPTYBridge([]string{"sh"}, "", nil); err == nil {
		t.Fatal("expected error for nil writer")
	}
}

func TestResizeRejectsBadDimensions(t *testing.T) {
	var b *ptyBridge
	if err := b.Resize(80, 24); err == nil {
		t.Fatal("expected error on nil bridge")
	}
}
