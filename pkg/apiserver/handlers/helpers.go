package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/flowforge/syncflow/pkg/apiserver/middleware"
	"github.com/flowforge/syncflow/pkg/auth"
	"github.com/flowforge/syncflow/pkg/model"
)

const timeRFC3339Nano = time.RFC3339Nano

func parseLimit(value string, fallback, max int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseOffset(value string) int {
	if value == "" {
		return 0
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}

func formatTime(value *time.Time) *string {
	if value == nil {
		return nil
	}
	formatted := value.UTC().Format(timeRFC3339Nano)
	return &formatted
}

func formatTimeValue(value time.Time) string {
	return value.UTC().Format(timeRFC3339Nano)
}

// caller returns the verified claims and tenant, answering 401 itself when
// they are missing.
func caller(c *gin.Context) (*auth.Claims, uuid.UUID, bool) {
	claims, ok := middleware.Claims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
		return nil, uuid.Nil, false
	}
	tenantID, err := claims.Tenant()
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return nil, uuid.Nil, false
	}
	return claims, tenantID, true
}

func uuidParam(c *gin.Context, name, label string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + label})
		return uuid.Nil, false
	}
	return id, true
}

// canSee applies team scoping: tenant-wide workflows are visible to everyone
// in the tenant, team workflows to members of the owning or a sharing team.
func canSee(claims *auth.Claims, workflow *model.Workflow) bool {
	if claims.IsAdmin() || workflow.TeamID == nil {
		return true
	}
	for _, team := range claims.TeamIDs {
		if team == workflow.TeamID.String() {
			return true
		}
		for _, shared := range workflow.SharedTeamIDs {
			if team == shared {
				return true
			}
		}
	}
	return false
}

func memberOf(claims *auth.Claims, teamID uuid.UUID) bool {
	if claims.IsAdmin() {
		return true
	}
	for _, team := range claims.TeamIDs {
		if team == teamID.String() {
			return true
		}
	}
	return false
}
