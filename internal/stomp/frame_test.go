// internal/stomp/frame_test.go
package stomp

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestParse_Commands(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		wantCmd Command
		wantErr bool
	}{
		{"connected", "CONNECTED\nversion:1.2\nheart-beat:4000,4000\n\n\x00", CmdConnected, false},
		{"message", "MESSAGE\nsubscription:sub-1\ndestination:/topic/v1/kr/stock/trade/A005930\nmessage-id:7\n\n{\"close\":123}\n\x00", CmdMessage, false},
		{"receipt", "RECEIPT\nreceipt-id:r-42\n\n\x00", CmdReceipt, false},
		{"error", "ERROR\nmessage:bad destination\n\n\x00", CmdError, false},
		{"heartbeat newline", "\n", CmdHeartbeat, false},
		{"heartbeat empty", "", CmdHeartbeat, false},
		{"unknown command", "BOGUS\n\n\x00", 0, true},
		{"malformed header", "MESSAGE\nsubscription sub-1\n\n\x00", 0, true},
		{"message missing subscription", "MESSAGE\ndestination:/topic/x\n\n\x00", 0, true},
		{"receipt missing id", "RECEIPT\n\n\x00", 0, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f, err := Parse([]byte(c.input))
			if c.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) expected error, got frame %v", c.input, f)
				}
				var perr *ProtocolError
				if !asProtocolError(err, &perr) {
					t.Fatalf("expected *ProtocolError, got %T", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", c.input, err)
			}
			if f.Command != c.wantCmd {
				t.Errorf("Command = %v; want %v", f.Command, c.wantCmd)
			}
		})
	}
}

func asProtocolError(err error, target **ProtocolError) bool {
	pe, ok := err.(*ProtocolError)
	if ok {
		*target = pe
	}
	return ok
}

func TestParse_MessageHeadersAndBody(t *testing.T) {
	raw := "MESSAGE\nsubscription:sub-9\ndestination:/topic/t\ncontent-type:application/json\n\n{\"price\":10,\n\"volume\":2}\n\x00"
	f, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got, _ := f.Get(HdrSubscription); got != "sub-9" {
		t.Errorf("subscription = %q; want sub-9", got)
	}
	if got, _ := f.Get(HdrDestination); got != "/topic/t" {
		t.Errorf("destination = %q; want /topic/t", got)
	}
	// тело с внутренним переводом строки сохраняется как есть
	want := "{\"price\":10,\n\"volume\":2}"
	if string(f.Body) != want {
		t.Errorf("Body = %q; want %q", f.Body, want)
	}
}

func TestEncode_HeaderOrderPreserved(t *testing.T) {
	f := NewSubscribe("/topic/v1/kr/stock/trade/A005930", "sub-1", "r-1")
	out := string(Encode(f))

	wantOrder := []string{"SUBSCRIBE", "id:sub-1", "receipt:r-1", "destination:/topic/v1/kr/stock/trade/A005930", "ack:auto"}
	pos := -1
	for _, part := range wantOrder {
		p := strings.Index(out, part)
		if p < 0 {
			t.Fatalf("encoded frame missing %q:\n%s", part, out)
		}
		if p < pos {
			t.Fatalf("header %q out of order:\n%s", part, out)
		}
		pos = p
	}
	if !strings.HasSuffix(out, "\x00") {
		t.Errorf("frame must be NUL-terminated")
	}
}

func TestEncode_Heartbeat(t *testing.T) {
	if got := Encode(Heartbeat()); !bytes.Equal(got, []byte("\n")) {
		t.Errorf("heartbeat = %q; want \\n", got)
	}
}

func TestEncodeParse_RoundTrip(t *testing.T) {
	frames := []*Frame{
		NewConnect("token-abc", "conn-1", 4*time.Second),
		NewSubscribe("/topic/t", "sub-2", "r-2"),
		NewUnsubscribe("sub-2", "r-3"),
		NewDisconnect(),
	}
	for _, in := range frames {
		out, err := Parse(Encode(in))
		if err != nil {
			t.Fatalf("round trip %v: %v", in.Command, err)
		}
		if out.Command != in.Command {
			t.Errorf("round trip command = %v; want %v", out.Command, in.Command)
		}
		if len(out.Headers) != len(in.Headers) {
			t.Errorf("%v: headers = %d; want %d", in.Command, len(out.Headers), len(in.Headers))
		}
	}
}

func TestParseHeartBeat(t *testing.T) {
	send, recv, err := ParseHeartBeat("4000,5000")
	if err != nil {
		t.Fatalf("ParseHeartBeat: %v", err)
	}
	if send != 4*time.Second || recv != 5*time.Second {
		t.Errorf("got (%v,%v); want (4s,5s)", send, recv)
	}
	if _, _, err := ParseHeartBeat("oops"); err == nil {
		t.Error("expected error for malformed value")
	}
}
