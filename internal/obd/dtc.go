package obd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// TroubleCode is one stored diagnostic trouble code with its description.
type TroubleCode struct {
	Code           string `json:"code"`                     // e.g. "P0300"
	Description    string `json:"description"`              // Human readable fault
	PossibleCauses string `json:"possibleCauses,omitempty"` // Typical root causes
	Severity       int    `json:"severity"`                 // 1=info, 2=warning, 3=critical
}

// CodeLookup resolves a DTC to its description.
type CodeLookup interface {
	Lookup(code string) (TroubleCode, bool)
}

// Catalog is an in-memory CodeLookup.
type Catalog map[string]TroubleCode

func (c Catalog) Lookup(code string) (TroubleCode, bool) {
	tc, ok := c[strings.ToUpper(code)]
	return tc, ok
}

// DefaultCatalog returns the built-in table of common powertrain codes.
func DefaultCatalog() Catalog {
	codes := []TroubleCode{
		{"P0101", "Mass Air Flow (MAF) Circuit Operating Range or Performance Problem", "Dirty sensor, vacuum leaks, air intake restriction", 2},
		{"P0113", "Intake Air Temperature Sensor 1 Circuit High Input", "Faulty IAT sensor, wiring/connector issues", 2},
		{"P0128", "Coolant Thermostat (Coolant Temperature Below Thermostat Regulating Temperature)", "Stuck open thermostat, faulty coolant sensor", 2},
		{"P0171", "System Too Lean (Bank 1)", "Vacuum leaks, clogged fuel injectors, faulty MAF sensor", 3},
		{"P0174", "System Too Lean (Bank 2)", "Vacuum leaks, fuel pump issues, MAF sensor contamination", 3},
		{"P0300", "Random or Multiple Cylinder Misfire Detected", "Worn spark plugs, faulty ignition coils, low fuel pressure", 3},
		{"P0301", "Cylinder 1 Misfire Detected", "Spark plug, ignition coil, or fuel injector in cylinder 1", 3},
		{"P0302", "Cylinder 2 Misfire Detected", "Spark plug, ignition coil, or fuel injector in cylinder 2", 3},
		{"P0303", "Cylinder 3 Misfire Detected", "Spark plug, ignition coil, or fuel injector in cylinder 3", 3},
		{"P0304", "Cylinder 4 Misfire Detected", "Spark plug, ignition coil, or fuel injector in cylinder 4", 3},
		{"P0401", "Exhaust Gas Recirculation (EGR) Flow Insufficient Detected", "Clogged EGR valve or carbon buildup in passages", 2},
		{"P0420", "Catalyst System Efficiency Below Threshold (Bank 1)", "Faulty catalytic converter, exhaust leaks, O2 sensor issues", 2},
		{"P0442", "Evaporative Emission System Leak Detected (Small Leak)", "Loose gas cap, damaged charcoal canister", 2},
		{"P0455", "Evaporative Emission System Leak Detected (Large Leak)", "Faulty gas cap, large charcoal canister leak", 3},
		{"P0500", "Vehicle Speed Sensor (VSS) Malfunction", "Faulty VSS, wiring issues, instrument cluster fault", 3},
		{"P0606", "PCM / ECM Processor Fault", "Internal control module hardware failure", 3},
		{"P0700", "Transmission Control System Malfunction (MIL Request)", "Underlying transmission problem caught by TCM", 3},
		{"P0AA6", "Hybrid Battery Voltage System Isolation Fault", "Insulation leakage in hybrid high-voltage system", 3},
	}
	c := make(Catalog, len(codes))
	for _, tc := range codes {
		c[tc.Code] = tc
	}
	return c
}

// dtcCommand requests stored trouble codes (mode 03).
const dtcCommand = "03"

// ParseTroubleCodes extracts DTC strings from a mode 03 response. Each
// "43" frame carries pairs of bytes; 0000 pairs are padding.
func ParseTroubleCodes(raw string) ([]string, error) {
	lines, err := responseLines(raw)
	if errors.Is(err, ErrNoData) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var codes []string
	seen := make(map[string]bool)
	for _, line := range joinFrames(lines) {
		b, err := hexBytes(line)
		if err != nil {
			continue
		}
		start := -1
		for i, v := range b {
			if v == 0x43 {
				start = i + 1
				break
			}
		}
		if start < 0 {
			continue
		}
		data := b[start:]
		// CAN adapters prefix the frame with a count byte.
		if len(data)%2 == 1 {
			data = data[1:]
		}
		for i := 0; i+1 < len(data); i += 2 {
			if data[i] == 0 && data[i+1] == 0 {
				continue
			}
			code := formatDTC(data[i], data[i+1])
			if !seen[code] {
				seen[code] = true
				codes = append(codes, code)
			}
		}
	}
	return codes, nil
}

// joinFrames reassembles ISO-TP multi-frame replies. With headers off the
// adapter prints the payload length as three hex digits on its own line,
// then each frame as "N: bytes". Other lines pass through unchanged.
func joinFrames(lines []string) []string {
	var out []string
	var msg strings.Builder
	size := 0
	flush := func() {
		if msg.Len() == 0 {
			return
		}
		s := msg.String()
		if size > 0 && len(s) > size*2 {
			s = s[:size*2]
		}
		out = append(out, s)
		msg.Reset()
		size = 0
	}

	for _, line := range lines {
		idx, payload, ok := strings.Cut(line, ":")
		idx = strings.TrimSpace(idx)
		if ok && len(idx) == 1 {
			if idx == "0" {
				flush()
			}
			msg.WriteString(strings.ReplaceAll(payload, " ", ""))
			continue
		}
		if len(line) == 3 {
			if n, err := strconv.ParseUint(line, 16, 16); err == nil {
				flush()
				size = int(n)
				continue
			}
		}
		flush()
		out = append(out, line)
	}
	flush()
	return out
}

// formatDTC renders two raw bytes as e.g. "P0133". The top two bits pick
// the system letter, the rest are hex digits.
func formatDTC(a, b byte) string {
	system := [4]byte{'P', 'C', 'B', 'U'}[a>>6]
	return fmt.Sprintf("%c%d%X%02X", system, (a>>4)&0x03, a&0x0F, b)
}

// describe resolves codes through lookup, falling back to a generic entry.
func describe(codes []string, lookup CodeLookup) []TroubleCode {
	out := make([]TroubleCode, 0, len(codes))
	for _, code := range codes {
		if lookup != nil {
			if tc, ok := lookup.Lookup(code); ok {
				out = append(out, tc)
				continue
			}
		}
		out = append(out, TroubleCode{Code: code, Description: "Unknown code", Severity: 1})
	}
	return out
}
