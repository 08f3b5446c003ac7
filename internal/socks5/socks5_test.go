package socks5

import (
	"bytes"
	"errors"
	"testing"
)

func TestParseMethodIdentification_SingleBuffer(t *testing.T) {
	var ctx Ctx
	ctx.Reset()

	n, err := ParseMethodIdentification(&ctx, []byte{0x05, 0x01, 0x00})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Fatalf("consumed = %d, want 3", n)
	}
	if ctx.State != Finish {
		t.Fatalf("state = %v, want Finish", ctx.State)
	}
	if !ctx.HasMethod(AuthNone) {
		t.Fatal("expected AuthNone to be set")
	}
}

func TestParseMethodIdentification_Fragmented(t *testing.T) {
	// S6: fragmented greeting, one byte per recv.
	frags := [][]byte{{0x05}, {0x01}, {0x00}}

	var ctx Ctx
	ctx.Reset()

	for i, f := range frags {
		n, err := ParseMethodIdentification(&ctx, f)
		if err != nil {
			t.Fatalf("frag %d: unexpected error: %v", i, err)
		}
		if n != len(f) {
			t.Fatalf("frag %d: consumed = %d, want %d", i, n, len(f))
		}
	}
	if ctx.State != Finish {
		t.Fatalf("state = %v, want Finish", ctx.State)
	}
	if !ctx.HasMethod(AuthNone) {
		t.Fatal("expected AuthNone to be set")
	}
}

func TestParseMethodIdentification_ArbitrarySplitsMatchWhole(t *testing.T) {
	whole := []byte{0x05, 0x03, 0x00, 0x01, 0x02}

	var refCtx Ctx
	refCtx.Reset()
	if _, err := ParseMethodIdentification(&refCtx, whole); err != nil {
		t.Fatalf("reference parse failed: %v", err)
	}

	for split := 0; split <= len(whole); split++ {
		for split2 := split; split2 <= len(whole); split2++ {
			var ctx Ctx
			ctx.Reset()
			parts := [][]byte{whole[:split], whole[split:split2], whole[split2:]}
			total := 0
			for _, p := range parts {
				n, err := ParseMethodIdentification(&ctx, p)
				if err != nil {
					t.Fatalf("split %d/%d: unexpected error: %v", split, split2, err)
				}
				total += n
			}
			if total != len(whole) {
				t.Fatalf("split %d/%d: consumed %d of %d bytes", split, split2, total, len(whole))
			}
			if ctx.State != refCtx.State || ctx.methods != refCtx.methods {
				t.Fatalf("split %d/%d: result diverged from single-buffer parse", split, split2)
			}
		}
	}
}

func TestParseMethodIdentification_BadVersion(t *testing.T) {
	var ctx Ctx
	ctx.Reset()
	_, err := ParseMethodIdentification(&ctx, []byte{0x04, 0x01, 0x00})
	if !errors.Is(err, ErrBadVersion) {
		t.Fatalf("err = %v, want ErrBadVersion", err)
	}
}

func TestParseMethodIdentification_BadNMethods(t *testing.T) {
	var ctx Ctx
	ctx.Reset()
	_, err := ParseMethodIdentification(&ctx, []byte{0x05, 0x00})
	if !errors.Is(err, ErrBadNMethods) {
		t.Fatalf("err = %v, want ErrBadNMethods", err)
	}
}

func TestParseRequest_IPv4(t *testing.T) {
	var ctx Ctx
	ctx.ResetForRequest()

	wire := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x09}
	n, err := ParseRequest(&ctx, wire)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(wire) {
		t.Fatalf("consumed = %d, want %d", n, len(wire))
	}
	if ctx.State != Finish {
		t.Fatalf("state = %v, want Finish", ctx.State)
	}
	if ctx.ATYP != ATYPIPv4 {
		t.Fatalf("atyp = %d, want IPv4", ctx.ATYP)
	}
	if !bytes.Equal(ctx.DstAddr, []byte{127, 0, 0, 1}) {
		t.Fatalf("dst addr = %v", ctx.DstAddr)
	}
	if ctx.DstPort != 9 {
		t.Fatalf("dst port = %d, want 9", ctx.DstPort)
	}
}

func TestParseRequest_Domain(t *testing.T) {
	var ctx Ctx
	ctx.ResetForRequest()

	name := "no.such.host.tld"
	wire := append([]byte{0x05, 0x01, 0x00, 0x03, byte(len(name))}, append([]byte(name), 0x00, 0x50)...)

	n, err := ParseRequest(&ctx, wire)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(wire) {
		t.Fatalf("consumed = %d, want %d", n, len(wire))
	}
	wantAddr := append([]byte(name), 0x00)
	if !bytes.Equal(ctx.DstAddr, wantAddr) {
		t.Fatalf("dst addr = %q, want %q", ctx.DstAddr, wantAddr)
	}
	if ctx.DstPort != 0x50 {
		t.Fatalf("dst port = %d, want 80", ctx.DstPort)
	}
}

func TestParseRequest_Fragmented(t *testing.T) {
	wire := []byte{0x05, 0x01, 0x00, 0x04}
	wire = append(wire, bytes.Repeat([]byte{0xAB}, 16)...)
	wire = append(wire, 0x01, 0xBB)

	var ctx Ctx
	ctx.ResetForRequest()

	var consumedTotal int
	for i := 0; i < len(wire); i++ {
		n, err := ParseRequest(&ctx, wire[i:i+1])
		if err != nil {
			t.Fatalf("byte %d: unexpected error: %v", i, err)
		}
		consumedTotal += n
		if ctx.State == Finish {
			if i != len(wire)-1 {
				t.Fatalf("finished early at byte %d of %d", i, len(wire))
			}
		}
	}
	if consumedTotal != len(wire) {
		t.Fatalf("consumed %d, want %d", consumedTotal, len(wire))
	}
	if ctx.ATYP != ATYPIPv6 {
		t.Fatalf("atyp = %d, want IPv6", ctx.ATYP)
	}
	if ctx.DstPort != 0x01BB {
		t.Fatalf("dst port = %#x, want 0x01bb", ctx.DstPort)
	}
}

func TestParseRequest_UnsupportedCmd(t *testing.T) {
	var ctx Ctx
	ctx.ResetForRequest()

	_, err := ParseRequest(&ctx, []byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50})
	if !errors.Is(err, ErrUnsupportedCmd) {
		t.Fatalf("err = %v, want ErrUnsupportedCmd", err)
	}
}

func TestParseRequest_BadATYP(t *testing.T) {
	var ctx Ctx
	ctx.ResetForRequest()

	_, err := ParseRequest(&ctx, []byte{0x05, 0x01, 0x00, 0x05})
	if !errors.Is(err, ErrBadATYP) {
		t.Fatalf("err = %v, want ErrBadATYP", err)
	}
}

func TestParseRequest_BadVersion(t *testing.T) {
	var ctx Ctx
	ctx.ResetForRequest()

	_, err := ParseRequest(&ctx, []byte{0x04, 0x01, 0x00, 0x01})
	if !errors.Is(err, ErrBadVersion) {
		t.Fatalf("err = %v, want ErrBadVersion", err)
	}
}

func TestParseRequest_NoByteProcessedTwice(t *testing.T) {
	wire := []byte{0x05, 0x01, 0x00, 0x03, 3, 'a', 'b', 'c', 0x00, 0x50}

	var ctx Ctx
	ctx.ResetForRequest()

	total := 0
	for total < len(wire) {
		// Feed one extra byte at a time to ensure consumed never exceeds
		// what's available and never re-reads the same byte.
		end := total + 1
		if end > len(wire) {
			end = len(wire)
		}
		n, err := ParseRequest(&ctx, wire[total:end])
		if err != nil {
			t.Fatalf("unexpected error at %d: %v", total, err)
		}
		if n != end-total {
			t.Fatalf("consumed %d of %d offered at offset %d", n, end-total, total)
		}
		total += n
	}
	if ctx.State != Finish {
		t.Fatalf("state = %v, want Finish", ctx.State)
	}
}
