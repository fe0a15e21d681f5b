package lock

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestMutexMap_SerializesPerKey(t *testing.T) {
	m := NewMutexMap()
	counter := 0
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("items")
			counter++
			m.Unlock("items")
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
}

func TestMutexMap_IndependentKeys(t *testing.T) {
	m := NewMutexMap()
	m.Lock("a")
	// A different key must not block.
	done := make(chan struct{})
	go func() {
		m.Lock("b")
		m.Unlock("b")
		close(done)
	}()
	<-done
	m.Unlock("a")
}

func TestFileLock_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")

	fl1 := NewFileLock(path)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock: %v", err)
	}
	defer fl1.Unlock()

	fl2 := NewFileLock(path)
	if err := fl2.TryLock(); err == nil {
		fl2.Unlock()
		t.Fatal("second TryLock should fail while first lock is held")
	}
}

func TestFileLock_ReleaseAndReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")

	fl1 := NewFileLock(path)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if err := fl1.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file should be removed on unlock")
	}

	fl2 := NewFileLock(path)
	if err := fl2.TryLock(); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	fl2.Unlock()
}
