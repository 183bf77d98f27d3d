package finding

import (
	"fmt"

	"github.com/HerbHall/wazuhsync/pkg/models"
)

// AverageUrgency is the ticket urgency hint for a set of findings: the
// integer mean of their severities. An empty set yields medium. A mean
// outside 1..6 means corrupt severities and is an error.
func AverageUrgency(severities []models.Severity) (models.Severity, error) {
	if len(severities) == 0 {
		return models.SeverityMedium, nil
	}
	sum := 0
	for _, s := range severities {
		sum += int(s)
	}
	avg := models.Severity(sum / len(severities))
	if !avg.Valid() {
		return 0, fmt.Errorf("average urgency %d out of range (sum=%d, n=%d)", avg, sum, len(severities))
	}
	return avg, nil
}
