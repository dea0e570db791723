package peers

import (
	"io/ioutil"
	"os"
	"reflect"
	"testing"
)

func TestJSONPeers(t *testing.T) {
	// Create a test dir
	dir, err := ioutil.TempDir("", "pulse")
	if err != nil {
		t.Fatalf("err: %v ", err)
	}
	defer os.RemoveAll(dir)

	// Create the store
	store := NewJSONPeers(dir)

	// Try a read, should get nothing
	peers, err := store.Peers()
	if err == nil {
		t.Fatalf("store.Peers() should generate an error")
	}
	if peers != nil {
		t.Fatalf("peers: %v", peers)
	}

	input := []string{" http://b:1/", "http://a:1", "", "http://a:1"}
	if err := store.Write(input); err != nil {
		t.Fatalf("err: %v", err)
	}

	peers, err = store.Peers()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	expected := []string{"http://a:1", "http://b:1"}
	if !reflect.DeepEqual(peers, expected) {
		t.Fatalf("peers should be %v, not %v", expected, peers)
	}
}

func TestJSONPeersEmptyFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "pulse")
	if err != nil {
		t.Fatalf("err: %v ", err)
	}
	defer os.RemoveAll(dir)

	store := NewJSONPeers(dir)
	if err := ioutil.WriteFile(store.Path(), []byte{}, 0644); err != nil {
		t.Fatal(err)
	}

	peers, err := store.Peers()
	if err != nil || peers != nil {
		t.Fatalf("empty file should yield no peers, got %v, %v", peers, err)
	}
}
