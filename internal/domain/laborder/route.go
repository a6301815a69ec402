package laborder

import "strings"

// RouteName is the wire name of a processing route.
type RouteName string

const (
	RouteInHouse    RouteName = "in_house"
	RouteOutsourced RouteName = "outsourced"
)

// Route says where a test is analyzed. Only InHouse and Outsourced
// implement it; an outsourced route always names its partner lab.
type Route interface {
	Name() RouteName
	isRoute()
}

// InHouse processing carries no extra data.
type InHouse struct{}

func (InHouse) Name() RouteName { return RouteInHouse }
func (InHouse) isRoute()        {}

// Outsourced processing is performed by the named partner lab.
type Outsourced struct {
	Lab string
}

func (Outsourced) Name() RouteName { return RouteOutsourced }
func (Outsourced) isRoute()        {}

// ParseRoute builds a Route from its wire form. The lab name is only kept
// for outsourced routes; a blank lab is left for StartProcessing to reject.
func ParseRoute(name, lab string) (Route, error) {
	switch normalizeRoute(name) {
	case RouteInHouse:
		return InHouse{}, nil
	case RouteOutsourced:
		return Outsourced{Lab: strings.TrimSpace(lab)}, nil
	default:
		return nil, InvalidCommandError("unknown processing route %q", name)
	}
}

func normalizeRoute(name string) RouteName {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.NewReplacer("-", "_", " ", "_").Replace(n)
	switch n {
	case "in_house", "inhouse":
		return RouteInHouse
	case "outsourced":
		return RouteOutsourced
	}
	return RouteName(n)
}

// LabName returns the partner lab for an outsourced route, else "".
func LabName(r Route) string {
	if o, ok := r.(Outsourced); ok {
		return o.Lab
	}
	return ""
}

// Known outsourced lab partners offered by the dashboard. Any non-blank name
// is accepted by the lifecycle.
var OutsourcedLabs = []string{
	"PathCare Labs",
	"MedLab Nigeria",
	"Synlab Nigeria",
	"Lancet Labs",
	"Alpha Medical Labs",
}
