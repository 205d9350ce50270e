package artifact

import (
	"reflect"
	"testing"
)

func TestCodecByName(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "", want: CodecJSON},
		{name: "json", want: CodecJSON},
		{name: "bytes", want: CodecBytes},
		{name: "text", want: CodecText},
		{name: "pickle", wantErr: true},
	}
	for _, tt := range tests {
		codec, err := CodecByName(tt.name)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("CodecByName(%q) expected error", tt.name)
			}
			continue
		}
		if err != nil {
			t.Fatalf("CodecByName(%q) err=%v", tt.name, err)
		}
		if codec.Name() != tt.want {
			t.Fatalf("CodecByName(%q) = %s, want %s", tt.name, codec.Name(), tt.want)
		}
	}
}

func TestJSONCodecRoundTrip(t *testing.T) {
	codec, err := CodecByName(CodecJSON)
	if err != nil {
		t.Fatalf("CodecByName() err=%v", err)
	}

	in := map[string]any{"accuracy": 0.93, "labels": []any{"cat", "dog"}}
	data, err := codec.Encode(in)
	if err != nil {
		t.Fatalf("Encode() err=%v", err)
	}
	out, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode() err=%v", err)
	}
	if !reflect.DeepEqual(out, in) {
		t.Fatalf("expected %v, got %v", in, out)
	}
}

func TestBytesCodec(t *testing.T) {
	codec, err := CodecByName(CodecBytes)
	if err != nil {
		t.Fatalf("CodecByName() err=%v", err)
	}

	if _, err := codec.Encode("not bytes"); err == nil {
		t.Fatal("expected type error for non-[]byte value")
	}

	blob := []byte{0x1, 0x2, 0x3}
	data, err := codec.Encode(blob)
	if err != nil {
		t.Fatalf("Encode() err=%v", err)
	}
	out, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode() err=%v", err)
	}
	if !reflect.DeepEqual(out, blob) {
		t.Fatalf("expected %v, got %v", blob, out)
	}
}

func TestTextCodec(t *testing.T) {
	codec, err := CodecByName(CodecText)
	if err != nil {
		t.Fatalf("CodecByName() err=%v", err)
	}

	if _, err := codec.Encode(42); err == nil {
		t.Fatal("expected type error for non-string value")
	}

	data, err := codec.Encode("report body")
	if err != nil {
		t.Fatalf("Encode() err=%v", err)
	}
	out, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode() err=%v", err)
	}
	if out != "report body" {
		t.Fatalf("expected report body, got %v", out)
	}
}
