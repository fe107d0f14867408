package httpapi

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/gin-gonic/gin"
)

func bindJSON(ctx *gin.Context, target any) error {
	if err := ctx.ShouldBindJSON(target); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: expected JSON body", errInvalidPayload)
		}
		return fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	return nil
}

func queryLimit(ctx *gin.Context) (int, error) {
	raw := strings.TrimSpace(ctx.Query("limit"))
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: limit must be an integer", errInvalidPayload)
	}
	if limit <= 0 {
		return 0, fmt.Errorf("%w: must be positive", ledger.ErrInvalidListLimit)
	}
	return limit, nil
}

func queryTime(ctx *gin.Context, name string) (time.Time, error) {
	raw := strings.TrimSpace(ctx.Query(name))
	if raw == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC3339", errInvalidPayload, name)
	}
	return parsed.UTC(), nil
}
