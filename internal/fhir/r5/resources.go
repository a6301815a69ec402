package r5

// Patient represents a FHIR R5 Patient resource. Only the fields a lab
// report header shows are kept.
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
	Gender       string       `json:"gender,omitempty"` // male | female | other | unknown
	BirthDate    string       `json:"birthDate,omitempty"`
}

// GetFullName returns the patient's full name as a string.
func (p *Patient) GetFullName() string {
	return fullName(p.Name)
}

// GetMRN returns the patient's medical record number.
func (p *Patient) GetMRN() string {
	for _, id := range p.Identifier {
		if id.Type != nil {
			for _, coding := range id.Type.Coding {
				if coding.Code == "MR" {
					return id.Value
				}
			}
		}
	}
	return ""
}

// Practitioner represents a FHIR R5 Practitioner resource.
type Practitioner struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
}

// GetFullName returns the practitioner's full name as a string.
func (p *Practitioner) GetFullName() string {
	return fullName(p.Name)
}

// fullName prefers the official name, then the first one listed.
func fullName(names []HumanName) string {
	var name *HumanName
	for i := range names {
		if names[i].Use == "official" {
			name = &names[i]
			break
		}
	}
	if name == nil && len(names) > 0 {
		name = &names[0]
	}
	if name == nil {
		return ""
	}
	if name.Text != "" {
		return name.Text
	}
	result := ""
	for _, prefix := range name.Prefix {
		result += prefix + " "
	}
	for _, g := range name.Given {
		if result != "" && result[len(result)-1] != ' ' {
			result += " "
		}
		result += g
	}
	if name.Family != "" {
		if result != "" && result[len(result)-1] != ' ' {
			result += " "
		}
		result += name.Family
	}
	for _, suffix := range name.Suffix {
		result += ", " + suffix
	}
	return result
}
