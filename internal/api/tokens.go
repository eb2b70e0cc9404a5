package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/httprunner/FleetAgent/pkg/fleet"
	"github.com/httprunner/FleetAgent/pkg/secondfactor"
	"github.com/httprunner/FleetAgent/pkg/storage"
)

type tokenHandler struct {
	store  *storage.Store
	tester TokenTester
}

type upsertTokenBody struct {
	Token        string `json:"token"`
	AccountID    string `json:"account_id"`
	DeviceSerial string `json:"device_serial"`
}

func (h *tokenHandler) Upsert(c *gin.Context) {
	var body upsertTokenBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	tok := fleet.SecondFactorToken{Token: body.Token, AccountID: body.AccountID, DeviceSerial: body.DeviceSerial}
	if err := h.store.UpsertToken(c.Request.Context(), tok); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": body.AccountID, "status": fleet.TokenActive})
}

// Test probes the code service once. An invalid token is recorded as such.
func (h *tokenHandler) Test(c *gin.Context) {
	if h.tester == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "second factor service not configured"})
		return
	}
	ctx := c.Request.Context()
	token := c.Param("token")
	code, err := h.tester.TestToken(ctx, token)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"valid": true, "code": code})
	case errors.Is(err, secondfactor.ErrCodeNotReady):
		c.JSON(http.StatusOK, gin.H{"valid": true, "code": ""})
	case errors.Is(err, secondfactor.ErrInvalidToken):
		accountID, serial := "", ""
		if known, lookupErr := h.store.GetToken(ctx, token); lookupErr == nil {
			accountID, serial = known.AccountID, known.DeviceSerial
		}
		if markErr := h.store.MarkTokenInvalid(ctx, token, accountID, serial); markErr != nil {
			writeError(c, markErr)
			return
		}
		c.JSON(http.StatusOK, gin.H{"valid": false})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}
