package laborder

import "strings"

// SampleType is the specimen category of a test. It is fixed at creation.
type SampleType string

const (
	SampleBlood  SampleType = "Blood"
	SampleUrine  SampleType = "Urine"
	SampleStool  SampleType = "Stool"
	SampleSputum SampleType = "Sputum"
	SampleSwab   SampleType = "Swab"
	SampleCSF    SampleType = "CSF"
	SampleOther  SampleType = "Other"
)

// SampleTypes lists every known sample type in display order.
var SampleTypes = []SampleType{
	SampleBlood, SampleUrine, SampleStool, SampleSputum, SampleSwab, SampleCSF, SampleOther,
}

// ParseSampleType resolves a wire value case-insensitively.
func ParseSampleType(s string) (SampleType, error) {
	s = strings.TrimSpace(s)
	for _, st := range SampleTypes {
		if strings.EqualFold(string(st), s) {
			return st, nil
		}
	}
	return "", InvalidCommandError("unknown sample type %q", s)
}

// CollectionMethod is a legal way to collect a given sample type.
type CollectionMethod struct {
	Name        string     `json:"name"`
	SampleType  SampleType `json:"sample_type"`
	Description string     `json:"description"`
}

var collectionMethods = map[SampleType][]CollectionMethod{
	SampleBlood: {
		{Name: "Venipuncture", SampleType: SampleBlood, Description: "Standard blood draw from vein"},
		{Name: "Finger Prick", SampleType: SampleBlood, Description: "Capillary blood from fingertip"},
		{Name: "Heel Prick", SampleType: SampleBlood, Description: "For infants - capillary from heel"},
		{Name: "Arterial", SampleType: SampleBlood, Description: "Arterial blood gas collection"},
	},
	SampleUrine: {
		{Name: "Mid-stream Clean Catch", SampleType: SampleUrine, Description: "Standard urine collection"},
		{Name: "Catheter Collection", SampleType: SampleUrine, Description: "From urinary catheter"},
		{Name: "24-hour Collection", SampleType: SampleUrine, Description: "Collect all urine over 24 hours"},
		{Name: "First Morning Void", SampleType: SampleUrine, Description: "First urine of the day"},
	},
	SampleStool: {
		{Name: "Fresh Sample", SampleType: SampleStool, Description: "Collect fresh stool sample"},
		{Name: "Preservative Container", SampleType: SampleStool, Description: "With preservative medium"},
	},
	SampleSputum: {
		{Name: "Deep Cough", SampleType: SampleSputum, Description: "Cough deeply to produce sample"},
		{Name: "Induced Sputum", SampleType: SampleSputum, Description: "Using nebulized saline"},
	},
	SampleSwab: {
		{Name: "Nasal Swab", SampleType: SampleSwab, Description: "From nasal cavity"},
		{Name: "Throat Swab", SampleType: SampleSwab, Description: "From back of throat"},
		{Name: "Wound Swab", SampleType: SampleSwab, Description: "From wound site"},
		{Name: "Ear Swab", SampleType: SampleSwab, Description: "From ear canal"},
	},
	SampleCSF: {
		{Name: "Lumbar Puncture", SampleType: SampleCSF, Description: "Spinal tap procedure"},
	},
}

// CollectionMethods returns the ordered legal methods for a sample type.
// The returned slice is a copy.
func CollectionMethods(st SampleType) []CollectionMethod {
	methods := collectionMethods[st]
	out := make([]CollectionMethod, len(methods))
	copy(out, methods)
	return out
}

// IsLegalMethod reports whether name is a registered method for st.
// Method names match exactly.
func IsLegalMethod(st SampleType, name string) bool {
	for _, m := range collectionMethods[st] {
		if m.Name == name {
			return true
		}
	}
	return false
}
