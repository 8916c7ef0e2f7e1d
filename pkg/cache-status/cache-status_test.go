package cachestatus

import "testing"

func TestCacheStatusString(t *testing.T) {
	cs := CacheStatus{}
	cs.Hit()
	if s := cs.String(); s != "Shellcache; hit" {
		t.Fatalf("Status is %s", s)
	}

	cs = CacheStatus{}
	cs.Forward(FwdUriMiss)
	cs.Stored()
	if s := cs.String(); s != "Shellcache; fwd=uri-miss; stored" {
		t.Fatalf("Status is %s", s)
	}

	cs = CacheStatus{}
	cs.Hit()
	cs.Detail(DetailOffline)
	if s := cs.String(); s != "Shellcache; hit; detail=offline" {
		t.Fatalf("Status is %s", s)
	}
	if !cs.IsHit() || cs.Reason() != "" {
		t.Fatal("Hit not reported")
	}

	cs = CacheStatus{}
	cs.Forward(FwdMethod)
	if s := cs.String(); s != "Shellcache; fwd=method" {
		t.Fatalf("Status is %s", s)
	}
}
