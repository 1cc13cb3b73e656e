package normalize

import (
	"iter"

	json "github.com/goccy/go-json"
)

// PagerDutyParser reads incident notifications and counts one alert per incident.
type PagerDutyParser struct{}

type incident struct {
	Service            *incidentService   `json:"service"`
	IncidentKey        Scalar             `json:"incident_key"`
	CreatedOn          Scalar             `json:"created_on"`
	TriggerSummaryData *nagiosSummaryData `json:"trigger_summary_data"`
}

type incidentService struct {
	Name Scalar `json:"name"`
	ID   Scalar `json:"id"`
}

type nagiosSummaryData struct {
	Hostname    Scalar `json:"HOSTNAME"`
	ServiceDesc Scalar `json:"SERVICEDESC"`
}

type alertIntegration uint8

const (
	integrationUnknown alertIntegration = iota
	integrationPingdom
	integrationNagios
	integrationZendesk
)

func classifyIntegration(service *incidentService) alertIntegration {
	if service == nil {
		return integrationUnknown
	}
	switch service.Name.Text() {
	case "Pingdom":
		return integrationPingdom
	case "nagios":
		return integrationNagios
	case "Enterprise Zendesk":
		return integrationZendesk
	default:
		return integrationUnknown
	}
}

// Source returns the alerts source tag.
func (PagerDutyParser) Source() string {
	return SourceAlerts
}

// Parse yields a single alerts.<integration>... candidate with value 1.
func (PagerDutyParser) Parse(payload []byte) iter.Seq2[Candidate, error] {
	var inc incident
	if err := json.Unmarshal(payload, &inc); err != nil {
		return failed(malformed(err))
	}

	segments, ok := inc.metricSegments()
	if !ok {
		return failed(unknownAlert(payload))
	}

	return func(yield func(Candidate, error) bool) {
		yield(Candidate{
			Segments: append([]string{SourceAlerts}, segments...),
			Value:    scalarOne,
			Time:     inc.CreatedOn,
			Source:   SourceAlerts,
		}, nil)
	}
}

func (inc incident) metricSegments() ([]string, bool) {
	switch classifyIntegration(inc.Service) {
	case integrationPingdom:
		if !inc.IncidentKey.Present() {
			return nil, false
		}
		key := escapeIncidentKey(inc.IncidentKey.Text())
		if key == "" {
			return nil, false
		}
		return []string{"pingdom", key}, true
	case integrationNagios:
		data := inc.TriggerSummaryData
		if data == nil || !data.Hostname.Present() || !data.ServiceDesc.Present() {
			return nil, false
		}
		// Nagios sends an empty service description for host checks.
		outage := data.ServiceDesc.Text()
		if outage == "" {
			outage = "host_down"
		}
		return []string{"nagios", nagiosEscaper.Escape(data.Hostname.Text()), outage}, true
	case integrationZendesk:
		if !inc.Service.ID.Present() {
			return nil, false
		}
		return []string{"enterprise", "zendesk", inc.Service.ID.Text()}, true
	case integrationUnknown:
		return nil, false
	default:
		return nil, false
	}
}
