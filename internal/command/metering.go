package command

import (
	"fmt"
)

// MeteringCreate emits the curl call that opens a usage record for the pod
// with the external metering service. It runs in the postStart lifecycle
// hook; its counterpart MeteringStop runs in preStop so the pair brackets
// the pod lifetime exactly, including abnormal termination.
func (c *Composer) MeteringCreate(subscriberID, resourceKey string, resourceRequest, podID string) string {
	body := fmt.Sprintf(`{"resourceKey":%q,"resourceRequest":%q,"podId":%q}`,
		resourceKey, resourceRequest, podID)
	return fmt.Sprintf(
		"curl -sf -X POST -H 'Content-Type: application/json' -d %s %s/v1/subscriber/%s/request",
		shQuote(body), c.cfg.MeteringURL, subscriberID)
}

// MeteringStop emits the curl call that closes the pod's usage record with a
// final usage update.
func (c *Composer) MeteringStop(podID string) string {
	return fmt.Sprintf("curl -sf -X PUT '%s/v1/usage/%s?is_last_update=True'",
		c.cfg.MeteringURL, podID)
}
