package kms

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/qvint/kmsd/crypto"
	"github.com/qvint/kmsd/store"
	"github.com/qvint/kmsd/wire"
)

func testDispatcher(t *testing.T, cfg *Config) (*Dispatcher, *store.Memory) {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	id, err := NewIdentity(cfg, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemory()
	d := NewDispatcher(id, cfg, st)
	d.now = func() time.Time { return time.Date(2019, 4, 16, 12, 0, 0, 0, time.UTC) }
	return d, st
}

func dispatch(t *testing.T, d *Dispatcher, req *Request) *Response {
	t.Helper()
	env, err := SealRequest(req, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	out, err := d.Dispatch(context.Background(), env)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := OpenResponse(out, req.RequestTime)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

// Windows 7 Pro VL over V4: hash verifies, count lands at the configured 50.
func TestDispatchV4Windows7(t *testing.T) {
	d, _ := testDispatcher(t, nil)

	req := sampleRequest(V4)
	req.SKUID = wire.MustGUID("ae2ee509-1b34-41c0-acb7-6d4650168915")
	req.MachineName = "TESTPC"
	req.RequiredClientCount = 25

	resp := dispatch(t, d, req)
	if resp.Version != V4 {
		t.Fatalf("version = %#08x", resp.Version)
	}
	if resp.CurrentClientCount != 50 {
		t.Fatalf("count = %d, want 50", resp.CurrentClientCount)
	}
	if resp.ClientMachineID != req.ClientMachineID {
		t.Fatal("machine id not echoed")
	}
	if resp.ResponseTime != req.RequestTime {
		t.Fatal("request time not echoed")
	}
}

// Office 2013 over V5: plaintext leads with 00 00 05 00 and pidSize covers
// the EPID plus terminator.
func TestDispatchV5Office2013(t *testing.T) {
	d, _ := testDispatcher(t, nil)

	req := sampleRequest(V5)
	req.ApplicationID = AppOffice
	req.SKUID = wire.MustGUID("2b88760d-d082-46d4-8f4d-30a5a2402c23")
	req.RequiredClientCount = 5

	env, err := SealRequest(req, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	out, err := d.Dispatch(context.Background(), env)
	if err != nil {
		t.Fatal(err)
	}

	payload := out[4:]
	plain, err := crypto.DecryptCBC(payload[16:], payload[:16], false)
	if err != nil {
		t.Fatal(err)
	}
	body, err := crypto.Unpad(plain)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(body[:4], []byte{0x00, 0x00, 0x05, 0x00}) {
		t.Fatalf("plaintext head = % x", body[:4])
	}

	resp, err := OpenResponse(out, req.RequestTime)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ClientMachineID != req.ClientMachineID {
		t.Fatal("machine id not echoed")
	}
	pidSize := int(body[40]) | int(body[41])<<8
	if pidSize != 2*(len(resp.EPID)+1) {
		t.Fatalf("pidSize = %d for epid %q", pidSize, resp.EPID)
	}
}

// Windows 10 Enterprise over V6: non-zero HMAC, 00 00 06 00 plaintext head,
// configured HWID in the response.
func TestDispatchV6Windows10(t *testing.T) {
	d, _ := testDispatcher(t, nil)

	req := sampleRequest(V6)
	req.SKUID = wire.MustGUID("73111121-5638-40f6-bc11-f1d7b0d64300")
	req.RequestTime = 132000000000000000

	env, err := SealRequest(req, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	out, err := d.Dispatch(context.Background(), env)
	if err != nil {
		t.Fatal(err)
	}

	payload := out[4:]
	plain, err := crypto.DecryptCBC(payload[16:], payload[:16], true)
	if err != nil {
		t.Fatal(err)
	}
	body, err := crypto.Unpad(plain)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(body[:4], []byte{0x00, 0x00, 0x06, 0x00}) {
		t.Fatalf("plaintext head = % x", body[:4])
	}

	resp, err := OpenResponse(out, req.RequestTime)
	if err != nil {
		t.Fatal(err)
	}
	if resp.HMAC == ([32]byte{}) {
		t.Fatal("HMAC is zero")
	}
	if resp.HWID != d.Identity.HWID {
		t.Fatalf("hwid = %X, identity has %X", resp.HWID, d.Identity.HWID)
	}
}

func TestDispatchUnknownVersion(t *testing.T) {
	d, _ := testDispatcher(t, nil)
	b := wire.NewBuilder()
	b.U32(3 << 16)
	b.Zero(32)
	if _, err := d.Dispatch(context.Background(), b.Out()); !errors.Is(err, ErrUnknownVersion) {
		t.Fatalf("error = %v, want ErrUnknownVersion", err)
	}
}

func TestClientCountFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClientCount = 50
	cfg.MaxClients = 1000
	d, _ := testDispatcher(t, cfg)

	for _, required := range []uint32{0, 5, 25, 49, 50, 100, 999} {
		req := sampleRequest(V5)
		req.RequiredClientCount = required
		resp := dispatch(t, d, req)
		if resp.CurrentClientCount < required+1 {
			t.Fatalf("required %d: count %d below floor", required, resp.CurrentClientCount)
		}
		if resp.CurrentClientCount < 50 {
			t.Fatalf("required %d: count %d below configured", required, resp.CurrentClientCount)
		}
	}

	// Demands past the ceiling are capped; the client will not activate.
	req := sampleRequest(V5)
	req.RequiredClientCount = 5000
	resp := dispatch(t, d, req)
	if resp.CurrentClientCount != 1000 {
		t.Fatalf("count = %d, want the 1000 ceiling", resp.CurrentClientCount)
	}
}

var epidShape = regexp.MustCompile(`^[0-9]{5}-[0-9]{5}-[0-9]{3}-[0-9]{6}-[0-9]{2}-[0-9]{4}$`)

func TestEPIDShape(t *testing.T) {
	d, _ := testDispatcher(t, nil)
	apps := []wire.GUID{AppWindows, AppOffice2010, AppOffice, wire.RandomGUID()}
	for _, app := range apps {
		for range 8 {
			epid, err := d.Identity.EPIDFor(app, time.Date(2019, 4, 16, 0, 0, 0, 0, time.UTC))
			if err != nil {
				t.Fatal(err)
			}
			if !epidShape.MatchString(epid) {
				t.Fatalf("epid %q for app %s breaks the shape", epid, app)
			}
		}
	}
}

func TestEPIDOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EPID = "05426-00206-100-551234-04-2019"
	d, _ := testDispatcher(t, cfg)

	resp := dispatch(t, d, sampleRequest(V5))
	if resp.EPID != cfg.EPID {
		t.Fatalf("epid = %q, want the override", resp.EPID)
	}
}

func TestDispatchRecordsClientOnce(t *testing.T) {
	d, st := testDispatcher(t, nil)

	req := sampleRequest(V5)
	base := req.RequestTime
	for i := range 5 {
		req.RequestTime = base + uint64(i)
		dispatch(t, d, req)
	}

	records, err := st.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].LastActivation != base+4 {
		t.Fatalf("last activation = %d, want %d", records[0].LastActivation, base+4)
	}
	if records[0].MachineName != req.MachineName {
		t.Fatalf("machine name = %q", records[0].MachineName)
	}
}

// A failing store must not fail activation.
type brokenStore struct{}

func (brokenStore) Get(context.Context, wire.GUID) (*store.ClientRecord, error) {
	return nil, errors.New("store down")
}
func (brokenStore) Upsert(context.Context, store.ClientRecord) error {
	return errors.New("store down")
}
func (brokenStore) List(context.Context) ([]store.ClientRecord, error) {
	return nil, errors.New("store down")
}

func TestDispatchSurvivesPersistenceFailure(t *testing.T) {
	d, _ := testDispatcher(t, nil)
	d.Store = brokenStore{}

	resp := dispatch(t, d, sampleRequest(V4))
	if resp.CurrentClientCount == 0 {
		t.Fatal("no response despite advisory persistence")
	}
}
