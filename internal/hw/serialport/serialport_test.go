package serialport

import (
	"errors"
	"testing"
	"time"

	"github.com/cjeanneret/syncgrab/internal/faults"
)

func TestOpen_Success(t *testing.T) {
	fake := NewFakePort()
	opener := func(name string, baud int) (Port, error) {
		if name != "/dev/ttyACM0" || baud != 115200 {
			t.Errorf("opener got %s@%d", name, baud)
		}
		return fake, nil
	}
	p, err := Open(opener, "/dev/ttyACM0", 115200, time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if p != fake {
		t.Error("Open should return the opened port")
	}
}

func TestOpen_ErrorIsDeviceUnavailable(t *testing.T) {
	opener := func(string, int) (Port, error) { return nil, errors.New("no such file") }
	_, err := Open(opener, "/dev/nope", 9600, time.Second)
	if !errors.Is(err, faults.ErrDeviceUnavailable) {
		t.Errorf("err = %v, want ErrDeviceUnavailable", err)
	}
}

func TestOpen_Timeout(t *testing.T) {
	fake := NewFakePort()
	release := make(chan struct{})
	opener := func(string, int) (Port, error) {
		<-release
		return fake, nil
	}
	start := time.Now()
	_, err := Open(opener, "/dev/slow", 9600, 30*time.Millisecond)
	if !errors.Is(err, faults.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Open did not honour its timeout")
	}

	close(release)
	deadline := time.Now().Add(time.Second)
	for !fake.Closed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !fake.Closed() {
		t.Error("late port should be closed")
	}
}

func TestReadLine(t *testing.T) {
	p := NewFakePort()
	p.Feed([]byte("CDDM Trigger v1\r\nOK\n"))

	line, err := ReadLine(p, time.Now().Add(time.Second))
	if err != nil || line != "CDDM Trigger v1" {
		t.Fatalf("ReadLine = %q, %v", line, err)
	}
	line, err = ReadLine(p, time.Now().Add(time.Second))
	if err != nil || line != "OK" {
		t.Fatalf("ReadLine = %q, %v", line, err)
	}
}

func TestReadFull_Timeout(t *testing.T) {
	p := NewFakePort()
	p.Feed([]byte{1, 2})
	buf := make([]byte, 5)
	err := ReadFull(p, buf, time.Now().Add(20*time.Millisecond))
	if !errors.Is(err, ErrReadTimeout) {
		t.Errorf("err = %v, want ErrReadTimeout", err)
	}
}

func TestWriteAll_OnWrite(t *testing.T) {
	p := NewFakePort()
	var seen []byte
	p.OnWrite = func(fp *FakePort, data []byte) {
		seen = append(seen, data...)
		fp.Feed([]byte("ack\n"))
	}
	if err := WriteAll(p, []byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatal(err)
	}
	if string(p.Written()) != "\x01\x02\x03" || len(seen) != 3 {
		t.Errorf("written = %v, seen = %v", p.Written(), seen)
	}
	if line, _ := ReadLine(p, time.Now().Add(time.Second)); line != "ack" {
		t.Errorf("ReadLine = %q, want ack", line)
	}
}
