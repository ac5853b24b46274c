package codec

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/ulikunitz/xz"
)

func TestGzipRoundTrip(t *testing.T) {
	want := []byte("this is a fake ELF image, repeated for compressibility ")
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(want); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	got, err := Gzip.Decompress(buf.Bytes())
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestXZRoundTrip(t *testing.T) {
	want := []byte("this is a fake ELF image, repeated for compressibility ")
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatalf("xz.NewWriter: %v", err)
	}
	if _, err := w.Write(want); err != nil {
		t.Fatalf("xz write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("xz close: %v", err)
	}

	got, err := XZ.Decompress(buf.Bytes())
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestIdentityCodecPassesThrough(t *testing.T) {
	want := []byte("\x7fELF raw bytes")
	got, err := None.Decompress(want)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestForExtension(t *testing.T) {
	cases := []struct {
		ext     string
		want    Codec
		wantErr bool
	}{
		{"", None, false},
		{".ko", None, false},
		{".gz", Gzip, false},
		{".xz", XZ, false},
		{".GZ", Gzip, false},
		{".zst", nil, true},
	}
	for _, c := range cases {
		got, err := ForExtension(c.ext)
		if c.wantErr {
			if err == nil {
				t.Errorf("ForExtension(%q): expected error, got nil", c.ext)
			}
			continue
		}
		if err != nil {
			t.Errorf("ForExtension(%q): unexpected error: %v", c.ext, err)
			continue
		}
		if got != c.want {
			t.Errorf("ForExtension(%q) = %v, want %v", c.ext, got, c.want)
		}
	}
}

func TestDecompressPathDispatchesByExtension(t *testing.T) {
	want := []byte("module contents")

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	gw.Write(want)
	gw.Close()

	got, err := DecompressPath("/lib/modules/5.10.0/kernel/foo.ko.gz", gz.Bytes())
	if err != nil {
		t.Fatalf("DecompressPath .ko.gz: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}

	got, err = DecompressPath("/lib/modules/5.10.0/kernel/foo.ko", want)
	if err != nil {
		t.Fatalf("DecompressPath .ko: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestDecompressPathUnknownExtension(t *testing.T) {
	_, err := DecompressPath("/lib/modules/5.10.0/kernel/foo.ko.zst", []byte("x"))
	if err == nil {
		t.Fatalf("expected error for unrecognized extension")
	}
}
