package wsutil

import "testing"

func TestSafeSend(t *testing.T) {
	ch := make(chan []byte, 1)
	if !SafeSend(ch, []byte("a")) {
		t.Fatal("send to empty buffered channel failed")
	}
	if SafeSend(ch, []byte("b")) {
		t.Error("send to full channel reported success")
	}
	<-ch
	close(ch)
	if SafeSend(ch, []byte("c")) {
		t.Error("send to closed channel reported success")
	}
}
