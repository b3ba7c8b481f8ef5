package catalog

import "github.com/drfirst/go-rxverify/internal/domain/prescription"

// Match returns the medications that appear in cat, in catalog order. The
// reported name is the spelling of the first matching input medication.
// Medications with blank names are ignored.
func Match(meds []prescription.Medication, cat *Catalog) []prescription.FlaggedMedication {
	if cat.Len() == 0 || len(meds) == 0 {
		return nil
	}
	names := make(map[string]string, len(meds))
	for _, m := range meds {
		key := Normalize(m.Name)
		if key == "" {
			continue
		}
		if _, seen := names[key]; !seen {
			names[key] = m.Name
		}
	}

	var flagged []prescription.FlaggedMedication
	for _, e := range cat.entries {
		if name, ok := names[Normalize(e.Name)]; ok {
			flagged = append(flagged, prescription.FlaggedMedication{Name: name, Reason: e.Reason})
		}
	}
	return flagged
}
