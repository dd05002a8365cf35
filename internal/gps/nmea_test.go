package gps

import (
	"fmt"
	"io"
	"math"
	"strings"
	"testing"
)

// sentence appends the XOR checksum to an NMEA body.
func sentence(body string) string {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return fmt.Sprintf("$%s*%02X", body, sum)
}

func feed(lines ...string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(strings.Join(lines, "\r\n") + "\r\n"))
}

func TestNMEAReadCombinesRMCAndGGA(t *testing.T) {
	n := NewNMEA(NMEAConfig{PortPath: "/dev/null"})
	n.attach(feed(
		"garbage",
		sentence("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"),
		sentence("GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"),
	))

	d, err := n.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !d.Valid {
		t.Fatal("fix not valid")
	}
	if math.Abs(d.Latitude-48.1173) > 1e-4 || math.Abs(d.Longitude-11.5167) > 1e-4 {
		t.Errorf("position = %v,%v", d.Latitude, d.Longitude)
	}
	if math.Abs(d.SpeedKmh-22.4*knotsToKmh) > 1e-9 {
		t.Errorf("Speed = %v km/h, want %v", d.SpeedKmh, 22.4*knotsToKmh)
	}
	if d.Satellites != 8 || d.FixQuality != 1 || d.Altitude != 545.4 {
		t.Errorf("GGA fields = sats %d fix %d alt %v", d.Satellites, d.FixQuality, d.Altitude)
	}
}

func TestNMEARejectsBadChecksum(t *testing.T) {
	n := NewNMEA(NMEAConfig{PortPath: "/dev/null"})
	good := sentence("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W")
	bad := good[:len(good)-2] + "00"
	n.attach(feed(bad))

	d, err := n.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if d.Valid {
		t.Error("sentence with bad checksum produced a valid fix")
	}
}

func TestNMEAVoidFixInvalidates(t *testing.T) {
	n := NewNMEA(NMEAConfig{PortPath: "/dev/null"})
	n.attach(feed(
		sentence("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"),
		sentence("GPRMC,123520,V,4807.038,N,01131.000,E,000.0,000.0,230394,003.1,W"),
	))
	n.Read()
	d, _ := n.Read()
	if d.Valid {
		t.Error("void RMC left fix valid")
	}
}

func TestNMEAReadWithoutConnect(t *testing.T) {
	n := NewNMEA(NMEAConfig{PortPath: "/dev/null"})
	if _, err := n.Read(); err == nil {
		t.Error("Read before Connect returned no error")
	}
}

// quietPort mimics a serial port with a read timeout: it returns (0, nil)
// for the first empty reads, then serves data.
type quietPort struct {
	empty int
	data  *strings.Reader
}

func (q *quietPort) Read(p []byte) (int, error) {
	if q.empty > 0 {
		q.empty--
		return 0, nil
	}
	return q.data.Read(p)
}

func (q *quietPort) Close() error { return nil }

func TestNMEARecoversAfterSilence(t *testing.T) {
	n := NewNMEA(NMEAConfig{PortPath: "/dev/null"})
	rmc := sentence("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W")
	n.attach(&quietPort{empty: 150, data: strings.NewReader(rmc + "\r\n")})

	valid := false
	for i := 0; i < 5 && !valid; i++ {
		d, err := n.Read()
		if err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
		valid = d.Valid
	}
	if !valid {
		t.Error("fix never recovered after a quiet period")
	}
}

func TestNMEASentenceSplitAcrossReads(t *testing.T) {
	n := NewNMEA(NMEAConfig{PortPath: "/dev/null"})
	rmc := sentence("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W")
	n.attach(io.NopCloser(strings.NewReader(rmc[:20])))

	if d, _ := n.Read(); d.Valid {
		t.Fatal("half a sentence produced a fix")
	}

	n.reader.Reset(strings.NewReader(rmc[20:] + "\r\n"))
	d, err := n.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !d.Valid {
		t.Error("sentence split across reads was lost")
	}
}
