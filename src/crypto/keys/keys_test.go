package keys

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/hgnetwork/pulse/src/crypto"
)

func TestSimpleKeyfile(t *testing.T) {
	dir, err := ioutil.TempDir("", "pulse")
	if err != nil {
		t.Fatalf("err: %v ", err)
	}
	defer os.RemoveAll(dir)

	simpleKeyfile := NewSimpleKeyfile(filepath.Join(dir, "wallet", "priv_key"))

	// Try a read, should get nothing
	key, err := simpleKeyfile.ReadKey()
	if err == nil {
		t.Fatalf("ReadKey should generate an error")
	}
	if key != nil {
		t.Fatalf("key is not nil")
	}

	key, created, err := simpleKeyfile.ReadOrCreateKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !created {
		t.Fatalf("ReadOrCreateKey should have created a key")
	}

	nKey, created, err := simpleKeyfile.ReadOrCreateKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if created {
		t.Fatalf("ReadOrCreateKey should reuse the existing key")
	}

	if !reflect.DeepEqual(nKey.D, key.D) || nKey.X.Cmp(key.X) != 0 {
		t.Fatalf("Keys do not match")
	}
}

func TestFilePermissions(t *testing.T) {
	dir, err := ioutil.TempDir("", "pulse")
	if err != nil {
		t.Fatalf("err: %v ", err)
	}
	defer os.RemoveAll(dir)

	key, _ := GenerateECDSAKey()
	rawKey := []byte(PrivateKeyHex(key))

	shouldErr := []os.FileMode{0777, 0766, 0744, 0644, 0444}
	for _, fm := range shouldErr {
		p := filepath.Join(dir, "bad_"+fm.String())
		ioutil.WriteFile(p, rawKey, fm)
		os.Chmod(p, fm)

		if _, err := NewSimpleKeyfile(p).ReadKey(); err == nil {
			t.Fatalf("%o || key file should return permissions error", fm)
		}
	}

	shouldNotErr := []os.FileMode{0700, 0600, 0400}
	for _, fm := range shouldNotErr {
		p := filepath.Join(dir, "good_"+fm.String())
		ioutil.WriteFile(p, rawKey, fm)
		os.Chmod(p, fm)

		if _, err := NewSimpleKeyfile(p).ReadKey(); err != nil {
			t.Fatalf("%o || key file should not return error. Got %v", fm, err)
		}
	}
}

func TestSignVerify(t *testing.T) {
	privKey, _ := GenerateECDSAKey()

	hash := crypto.SHA256([]byte("J'aime mieux forger mon ame que la meubler"))

	sig, err := Sign(privKey, hash)
	if err != nil {
		t.Fatal(err)
	}

	pub, err := ParsePublicKeyHex(PublicKeyHex(&privKey.PublicKey))
	if err != nil {
		t.Fatal(err)
	}

	ok, err := Verify(pub, hash, sig)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("signature should verify")
	}

	other := crypto.SHA256([]byte("something else"))
	if ok, _ := Verify(pub, other, sig); ok {
		t.Fatalf("signature should not verify another hash")
	}

	if _, err := Verify(pub, hash, "nonsense"); err == nil {
		t.Fatalf("malformed signature should return an error")
	}
}

func TestAddress(t *testing.T) {
	k1, _ := GenerateECDSAKey()
	k2, _ := GenerateECDSAKey()

	a1 := Address(&k1.PublicKey)
	if len(a1) != AddressLength {
		t.Fatalf("address should have %d characters, got %d", AddressLength, len(a1))
	}
	if a1 != Address(&k1.PublicKey) {
		t.Fatalf("address should be deterministic")
	}
	if a1 == Address(&k2.PublicKey) {
		t.Fatalf("different keys should have different addresses")
	}
}
