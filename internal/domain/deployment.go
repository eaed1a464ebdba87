package domain

import "time"

type DeploymentStatus string

const (
	DeploymentStatusPending   DeploymentStatus = "pending"
	DeploymentStatusBuilding  DeploymentStatus = "building"
	DeploymentStatusSucceeded DeploymentStatus = "succeeded"
	DeploymentStatusFailed    DeploymentStatus = "failed"
	DeploymentStatusRefunded  DeploymentStatus = "refunded"
	DeploymentStatusDeleted   DeploymentStatus = "deleted"
)

// Deployment records a bot app created on behalf of an account.
type Deployment struct {
	ID           string           `json:"id"`
	AccountID    string           `json:"accountId"`
	AppName      string           `json:"appName"`
	BuildID      string           `json:"buildId,omitempty"`
	Status       DeploymentStatus `json:"status"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// Active reports whether the deployment still owns an app on the platform.
func (d *Deployment) Active() bool {
	return d.Status != DeploymentStatusRefunded && d.Status != DeploymentStatusDeleted
}

// EnvVar is a single config var supplied by the caller.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// EnvVarsToMap flattens caller-supplied vars; later keys win.
func EnvVarsToMap(vars []EnvVar) map[string]string {
	out := make(map[string]string, len(vars))
	for _, v := range vars {
		if v.Key == "" {
			continue
		}
		out[v.Key] = v.Value
	}
	return out
}
