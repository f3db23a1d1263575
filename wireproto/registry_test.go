package wireproto

import "testing"

func TestRegistryAddRejectsDuplicate(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	p1 := NewChatProtocol("synopsechat", "")
	p2 := NewChatProtocol("synopsechat", "")

	if !r.Add(p1) {
		t.Fatal("first Add should succeed")
	}
	if r.Add(p2) {
		t.Fatal("second Add with the same (name, uri) should fail")
	}
	if got := r.Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}
}

func TestRegistryAddOnceReplaces(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Add(NewJSONProtocol("synopsejson", "/a"))
	r.AddOnce(NewBinaryProtocol("synopsejson", "/a"))

	if got := r.Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}
	p, ok := r.CloneByName("synopsejson", "/a")
	if !ok {
		t.Fatal("expected CloneByName to find the replaced template")
	}
	if p.Kind() != KindRestBinary {
		t.Fatalf("Kind() = %v, want %v", p.Kind(), KindRestBinary)
	}
}

func TestRegistryCloneByNameURIMatching(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Add(NewJSONProtocol("synopsejson", "")) // empty uri matches any path

	if _, ok := r.CloneByName("synopsejson", "/whatever"); !ok {
		t.Fatal("expected empty-uri template to match any path")
	}
	if _, ok := r.CloneByName("other", "/whatever"); ok {
		t.Fatal("did not expect a match for an unregistered name")
	}
}

func TestRegistryCloneByURI(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Add(NewBinaryProtocol("synopsebinary", "/rpc"))

	p, ok := r.CloneByURI("/rpc")
	if !ok {
		t.Fatal("expected a match by uri")
	}
	if p.Name() != "synopsebinary" {
		t.Fatalf("Name() = %q, want synopsebinary", p.Name())
	}

	if _, ok := r.CloneByURI("/other"); ok {
		t.Fatal("did not expect a match for an unregistered uri")
	}
}

func TestRegistryRemove(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Add(NewChatProtocol("synopsechat", ""))
	r.Remove("synopsechat", "")

	if got := r.Count(); got != 0 {
		t.Fatalf("Count() = %d, want 0", got)
	}
}

func TestProtocolCloneIsIndependent(t *testing.T) {
	t.Parallel()

	tmpl := NewBinaryProtocol("synopsebinary", "", WithEncryption([]byte("shared-secret")))
	a := tmpl.Clone()
	b := tmpl.Clone()

	if a == b {
		t.Fatal("Clone should return distinct instances")
	}
	if a.adp.(*binaryAdapter) == b.adp.(*binaryAdapter) {
		t.Fatal("Clone should return distinct adapter instances")
	}
}
