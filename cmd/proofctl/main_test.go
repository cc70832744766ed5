package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmerrifield20/accountproof/internal/stream"
	"github.com/jmerrifield20/accountproof/pkg/account"
	"github.com/jmerrifield20/accountproof/pkg/client"
	"github.com/jmerrifield20/accountproof/pkg/commitment"
	"github.com/jmerrifield20/accountproof/pkg/merkle"
	"github.com/jmerrifield20/accountproof/pkg/proof"
	"github.com/jmerrifield20/accountproof/pkg/proofstream"
)

func addr(b byte) merkle.Address {
	var a merkle.Address
	a[0] = b
	return a
}

func proofMessage(t *testing.T, target byte) *proofstream.Message {
	t.Helper()
	states := make(map[merkle.Address]account.State)
	digests := make(map[merkle.Address]merkle.Hash)
	for b := byte(1); b <= 3; b++ {
		st := account.State{Lamports: uint64(b) * 100, Owner: addr(0xAA), Data: []byte{b}}
		states[addr(b)] = st
		digests[addr(b)] = account.Hash(addr(b), st)
	}
	tree := merkle.Build(digests)
	p, err := proof.For(tree, addr(target), func(a merkle.Address) (account.State, bool) {
		st, ok := states[a]
		return st, ok
	})
	if err != nil {
		t.Fatalf("proof.For: %v", err)
	}
	bundle := &proofstream.Bundle{
		ParentCommitment: merkle.HashV([]byte("parent")),
		Root:             tree.Root(),
		SignatureCount:   5,
		BlockHash:        merkle.HashV([]byte("block")),
	}
	bundle.Commitment = commitment.Recompute(bundle.ParentCommitment, bundle.Root, bundle.SignatureCount, bundle.BlockHash)
	return &proofstream.Message{Slot: 9, Kind: proofstream.KindProof, Address: addr(target), Proof: &p, Bundle: bundle}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { verifyCommitment = "" })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestDecodeMessage_JSONAndWire(t *testing.T) {
	msg := proofMessage(t, 2)

	js, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal JSON: %v", err)
	}
	fromJSON, err := decodeMessage(js)
	if err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if err := client.Verify(fromJSON, msg.Bundle.Commitment); err != nil {
		t.Errorf("JSON-decoded proof does not verify: %v", err)
	}

	wire, err := msg.MarshalWire()
	if err != nil {
		t.Fatalf("marshal wire: %v", err)
	}
	fromWire, err := decodeMessage(wire)
	if err != nil {
		t.Fatalf("decode wire: %v", err)
	}
	if err := client.Verify(fromWire, msg.Bundle.Commitment); err != nil {
		t.Errorf("wire-decoded proof does not verify: %v", err)
	}

	if _, err := decodeMessage([]byte("{not json")); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestVerifyCommand(t *testing.T) {
	msg := proofMessage(t, 7)
	js, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "proof.json")
	if err := os.WriteFile(path, js, 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, "verify", path)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out, "verifies") {
		t.Errorf("output = %q", out)
	}

	_, err = runCLI(t, "verify", "--commitment", merkle.HashV([]byte("other")).String(), path)
	if err == nil {
		t.Error("expected mismatch against a different commitment")
	}

	msg.Bundle.Root = merkle.HashV([]byte("forged"))
	js, _ = json.Marshal(msg)
	if err := os.WriteFile(path, js, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := runCLI(t, "verify", path); err == nil {
		t.Error("expected forged root to fail verification")
	}
}

func TestHashAccount(t *testing.T) {
	a := addr(4)
	owner := addr(0xAA)
	got, err := hashAccount(a.String(), 42, owner.String(), false, 3, "0102")
	if err != nil {
		t.Fatalf("hashAccount: %v", err)
	}
	want := account.Hash(a, account.State{Lamports: 42, Owner: owner, RentEpoch: 3, Data: []byte{1, 2}})
	if got != want {
		t.Errorf("hash = %s, want %s", got, want)
	}

	if got, _ := hashAccount(a.String(), 0, owner.String(), false, 0, ""); !got.IsZero() {
		t.Errorf("zero-lamport account should hash to the zero digest")
	}
	if _, err := hashAccount("bad!", 1, owner.String(), false, 0, ""); err == nil {
		t.Error("expected error for invalid address")
	}
	if _, err := hashAccount(a.String(), 1, owner.String(), false, 0, "zz"); err == nil {
		t.Error("expected error for invalid hex data")
	}
}

func TestParseIngest(t *testing.T) {
	input := strings.Join([]string{
		`# recorded feed`,
		`{"Slot": {"Slot": 5, "Parent": 4, "Status": 2}}`,
		``,
		`{"Transaction": {"Slot": 5, "Signatures": 3}}`,
		`{"EndOfStartup": true}`,
	}, "\n")
	reqs, err := parseIngest([]byte(input))
	if err != nil {
		t.Fatalf("parseIngest: %v", err)
	}
	if len(reqs) != 3 {
		t.Fatalf("len = %d, want 3", len(reqs))
	}
	if reqs[0].Slot == nil || reqs[0].Slot.Status != proofstream.SlotConfirmed {
		t.Errorf("first request = %+v", reqs[0])
	}
	if reqs[1].Transaction == nil || reqs[1].Transaction.Signatures != 3 {
		t.Errorf("second request = %+v", reqs[1])
	}
	if !reqs[2].EndOfStartup {
		t.Error("third request should be end of startup")
	}

	if _, err := parseIngest([]byte("{\"Slot\": ")); err == nil {
		t.Error("expected error for truncated line")
	}
}

func TestPrintEvent(t *testing.T) {
	msg := proofMessage(t, 1)

	var buf bytes.Buffer
	if err := printEvent(&buf, "text", rowOf(client.Event{Message: msg, Anchoring: commitment.Anchored}, true)); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); !strings.Contains(got, "present") || !strings.Contains(got, "anchored") {
		t.Errorf("text output = %q", got)
	}

	buf.Reset()
	if err := printEvent(&buf, "text", rowOf(client.Event{Message: proofstream.Retraction(9, addr(1)), Retracted: true}, false)); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "RETRACTED") {
		t.Errorf("retraction output = %q", buf.String())
	}

	buf.Reset()
	ev := client.Event{Message: msg, Err: client.ErrCommitmentMismatch, Failures: 2}
	if err := printEvent(&buf, "json", rowOf(ev, false)); err != nil {
		t.Fatal(err)
	}
	var row eventRow
	if err := json.Unmarshal(buf.Bytes(), &row); err != nil {
		t.Fatalf("json output: %v", err)
	}
	if row.Failures != 2 || row.Error == "" || row.Anchoring != "" {
		t.Errorf("row = %+v", row)
	}
}

func TestTokenCommand(t *testing.T) {
	secret := strings.Repeat("s", 32)
	out, err := runCLI(t, "token", "--secret", secret, "--subject", "ops", "--scope", "admin,subscribe")
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	issuer, err := stream.NewTokenIssuer([]byte(secret), "accountproof", 0)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := issuer.Verify(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.Subject != "ops" || !claims.HasScope(stream.ScopeAdmin) || !claims.HasScope(stream.ScopeSubscribe) {
		t.Errorf("claims = %+v", claims)
	}

	if _, err := runCLI(t, "token", "--secret", secret, "--scope", "root"); err == nil {
		t.Error("expected unknown scope to be rejected")
	}
}
