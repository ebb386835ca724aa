package binance

import (
	"errors"
	"net/http"
	"strings"

	"github.com/adshao/go-binance/v2/common"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
)

const (
	apiCodeTooManyRequests     = -1003
	apiCodeTooManyOrders       = -1015
	apiCodeNewOrderRejected    = -2010
	apiCodeCancelRejected      = -2011
	apiCodeOrderNotFound       = -2013
	apiCodeBalanceInsufficient = -2018
	apiCodeMarginInsufficient  = -2019
	apiCodeReduceOnlyRejected  = -2022
)

var apiErrorMessageKinds = map[string]error{
	"account has insufficient balance for requested action.": core.ErrInsufficientBalance,
	"balance is insufficient.":                               core.ErrInsufficientBalance,
	"margin is insufficient.":                                core.ErrInsufficientBalance,
	"reduceonly order is rejected.":                          core.ErrPositionClosed,
	"unknown order sent.":                                    core.ErrOrderNotFound,
	"order does not exist.":                                  core.ErrOrderNotFound,
	"too many requests.":                                     core.ErrRateLimited,
}

func wrapAPIError(code int, msg string) error {
	return classifyAPIError(APIError{Code: code, Msg: msg})
}

func classifyAPIError(apiErr APIError) error {
	kinds := classifyAPIErrorKinds(apiErr)
	if len(kinds) == 0 {
		return apiErr
	}
	errChain := make([]error, 0, 1+len(kinds))
	errChain = append(errChain, apiErr)
	errChain = append(errChain, kinds...)
	return errors.Join(errChain...)
}

func classifyAPIErrorKinds(apiErr APIError) []error {
	kinds := make([]error, 0, 2)
	normalizedMsg := normalizeAPIErrorMsg(apiErr.Msg)

	switch apiErr.Code {
	case apiCodeTooManyRequests, apiCodeTooManyOrders:
		kinds = appendErrorKind(kinds, core.ErrRateLimited)
	case apiCodeBalanceInsufficient, apiCodeMarginInsufficient:
		kinds = appendErrorKind(kinds, core.ErrInsufficientBalance)
	case apiCodeReduceOnlyRejected:
		kinds = appendErrorKind(kinds, core.ErrPositionClosed)
	case apiCodeOrderNotFound, apiCodeCancelRejected:
		kinds = appendErrorKind(kinds, core.ErrOrderNotFound)
	case apiCodeNewOrderRejected:
		if kind, ok := apiErrorMessageKinds[normalizedMsg]; ok {
			kinds = appendErrorKind(kinds, kind)
		} else {
			kinds = appendErrorKind(kinds, core.ErrOrderRejected)
		}
	}

	if kind, ok := apiErrorMessageKinds[normalizedMsg]; ok {
		kinds = appendErrorKind(kinds, kind)
	}

	return kinds
}

func appendErrorKind(kinds []error, kind error) []error {
	if kind == nil {
		return kinds
	}
	for _, existing := range kinds {
		if existing == kind {
			return kinds
		}
	}
	return append(kinds, kind)
}

func normalizeAPIErrorMsg(msg string) string {
	return strings.ToLower(strings.TrimSpace(msg))
}

// translateSDKError converts errors returned by the go-binance SDK into the
// package's classified APIError chain.
func translateSDKError(err error) error {
	if err == nil {
		return nil
	}
	var sdkErr *common.APIError
	if errors.As(err, &sdkErr) {
		return wrapAPIError(int(sdkErr.Code), sdkErr.Message)
	}
	return err
}

func isRateLimitStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusTeapot
}

func AsAPIError(err error) (APIError, bool) {
	if err == nil {
		return APIError{}, false
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}

func IsAPIErrorCode(err error, codes ...int) bool {
	apiErr, ok := AsAPIError(err)
	if !ok {
		return false
	}
	for _, code := range codes {
		if apiErr.Code == code {
			return true
		}
	}
	return false
}
