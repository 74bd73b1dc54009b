package stomp

import (
	"fmt"
	"strconv"
	"strings"
)

// Broker destinations. One chat topic exists per quote; the others are
// fixed per connection.
const (
	// DestSystemErrors carries per-connection subscription and system errors.
	DestSystemErrors = "/user/queue/system/errors"

	companyRequestsFmt = "/topic/planning/company.%d.solicitudes"
	accountQuotesFmt   = "/topic/requests.account.%d.quotes"
	quoteChatFmt       = "/topic/deals.quotes.%d.chat"

	quoteChatPrefix = "/topic/deals.quotes."
	quoteChatSuffix = ".chat"
)

// CompanyRequestsDest returns the new-request notification topic for a
// provider company.
func CompanyRequestsDest(companyID int64) string {
	return fmt.Sprintf(companyRequestsFmt, companyID)
}

// AccountQuotesDest returns the quote-created notification topic for a
// client account.
func AccountQuotesDest(accountID int64) string {
	return fmt.Sprintf(accountQuotesFmt, accountID)
}

// QuoteChatDest returns the chat topic for one quote.
func QuoteChatDest(quoteID int64) string {
	return fmt.Sprintf(quoteChatFmt, quoteID)
}

// IsQuoteChatDest reports whether destination is a per-quote chat topic.
func IsQuoteChatDest(destination string) bool {
	_, ok := ParseQuoteChatDest(destination)
	return ok
}

// ParseQuoteChatDest extracts the quote id from a chat destination.
func ParseQuoteChatDest(destination string) (int64, bool) {
	if !strings.HasPrefix(destination, quoteChatPrefix) || !strings.HasSuffix(destination, quoteChatSuffix) {
		return 0, false
	}
	middle := destination[len(quoteChatPrefix) : len(destination)-len(quoteChatSuffix)]
	id, err := strconv.ParseInt(middle, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// IsAccountQuotesDest reports whether destination is an account quotes
// notification topic.
func IsAccountQuotesDest(destination string) bool {
	return strings.HasPrefix(destination, "/topic/requests.account.") && strings.HasSuffix(destination, ".quotes")
}

// IsCompanyRequestsDest reports whether destination is a company
// new-request notification topic.
func IsCompanyRequestsDest(destination string) bool {
	return strings.HasPrefix(destination, "/topic/planning/company.") && strings.HasSuffix(destination, ".solicitudes")
}
