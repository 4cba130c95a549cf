package kms

import (
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/qvint/kmsd/wire"
)

func sampleRequest(version uint32) *Request {
	req := &Request{
		Version:                 version,
		IsClientVM:              0,
		LicenseStatus:           2,
		GraceTime:               86400,
		ApplicationID:           AppWindows,
		SKUID:                   wire.MustGUID("ae2ee509-1b34-41c0-acb7-6d4650168915"),
		KMSCountedID:            wire.MustGUID("7fde5219-fbfa-484a-82c9-34d1ad53e856"),
		ClientMachineID:         wire.MustGUID("9e4a2386-2d62-4d6a-8b41-01b8a84a6a7e"),
		RequiredClientCount:     25,
		RequestTime:             wire.TimeToFiletime(time.Date(2019, 4, 16, 8, 0, 0, 0, time.UTC)),
		PreviousClientMachineID: wire.GUID{},
		MachineName:             "TESTPC",
	}
	if version>>16 == 6 {
		req.HWInfo = [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	}
	return req
}

func TestRequestRoundTrip(t *testing.T) {
	for _, version := range []uint32{V4, V5, V6} {
		req := sampleRequest(version)
		body, err := req.Marshal()
		if err != nil {
			t.Fatal(err)
		}

		wantSize := requestSizeV4V5
		if version == V6 {
			wantSize = requestSizeV6
		}
		if len(body) != wantSize {
			t.Fatalf("V%d body = %d bytes, want %d", version>>16, len(body), wantSize)
		}

		back, err := ParseRequest(body)
		if err != nil {
			t.Fatal(err)
		}
		if *back != *req {
			t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", back, req)
		}
	}
}

func TestRequestFieldOffsets(t *testing.T) {
	req := sampleRequest(V6)
	body, err := req.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	// Spot checks against the fixed layout.
	if body[0] != 0 || body[1] != 0 || body[2] != 6 || body[3] != 0 {
		t.Fatalf("version bytes = % x", body[:4])
	}
	var app wire.GUID
	copy(app[:], body[16:32])
	if app != AppWindows {
		t.Fatalf("applicationId at offset 16 = %s", app)
	}
	var cmid wire.GUID
	copy(cmid[:], body[64:80])
	if cmid != req.ClientMachineID {
		t.Fatalf("clientMachineId at offset 64 = %s", cmid)
	}
	if got := wire.DecodeUTF16LE(body[108:236]); got != "TESTPC" {
		t.Fatalf("machineName at offset 108 = %q", got)
	}
	if body[236] != 1 || body[243] != 8 {
		t.Fatalf("hwInfo at offset 236 = % x", body[236:244])
	}
}

func TestParseRequestRejectsDirtyMachineNamePad(t *testing.T) {
	req := sampleRequest(V5)
	body, err := req.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	body[200] = 0x41

	if _, err := ParseRequest(body); !errors.Is(err, wire.ErrMalformedField) {
		t.Fatalf("error = %v, want ErrMalformedField", err)
	}
}

func TestParseRequestShortBuffer(t *testing.T) {
	req := sampleRequest(V4)
	body, _ := req.Marshal()
	if _, err := ParseRequest(body[:100]); !errors.Is(err, wire.ErrShortBuffer) {
		t.Fatalf("error = %v, want ErrShortBuffer", err)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	for _, version := range []uint32{V4, V5, V6} {
		resp := &Response{
			Version:              version,
			ClientMachineID:      wire.MustGUID("9e4a2386-2d62-4d6a-8b41-01b8a84a6a7e"),
			ResponseTime:         132000000000000000,
			CurrentClientCount:   50,
			VLActivationInterval: 120,
			VLRenewalInterval:    10080,
			EPID:                 "05426-00206-100-551234-04-2019",
		}

		b := wire.NewBuilder()
		b.Bytes(resp.marshalCore())
		if version != V4 {
			if _, err := rand.Read(resp.RandomSalt[:]); err != nil {
				t.Fatal(err)
			}
			b.Bytes(resp.RandomSalt[:])
		}
		if version == V6 {
			resp.HWID = [8]byte{0x36, 0x4F, 0x46, 0x3A, 0x88, 0x63, 0xD3, 0x5F}
			resp.HMAC = [32]byte{1}
			b.Bytes(resp.HWID[:])
			b.Bytes(resp.HMAC[:])
		}

		back, err := ParseResponse(b.Out())
		if err != nil {
			t.Fatalf("V%d: %v", version>>16, err)
		}
		if *back != *resp {
			t.Fatalf("V%d round trip mismatch:\n got %+v\nwant %+v", version>>16, back, resp)
		}
	}
}

func TestResponsePidSize(t *testing.T) {
	resp := &Response{
		Version: V5,
		EPID:    "05426-00206-100-551234-04-2019",
	}
	core := resp.marshalCore()

	pidSize := int(core[40]) | int(core[41])<<8
	if pidSize != 2*(len(resp.EPID)+1) {
		t.Fatalf("pidSize = %d, want %d", pidSize, 2*(len(resp.EPID)+1))
	}
	if len(core) != 42+pidSize {
		t.Fatalf("core length = %d", len(core))
	}
}
