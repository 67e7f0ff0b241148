package apisix

// KeyAuth is the key-auth plugin configuration. On consumers the Key field is
// an indirection reference the gateway resolves against the secret store at
// request time; on routes the plugin is usually an empty enable-marker.
type KeyAuth struct {
	Key string `json:"key,omitempty"`
}

// LimitReq is the request-rate plugin configuration (requests per second).
type LimitReq struct {
	Rate  int `json:"rate"`
	Burst int `json:"burst"`
}

// LimitCount is the request-quota plugin configuration (requests per window).
type LimitCount struct {
	Count      int `json:"count"`
	TimeWindow int `json:"time_window"`
}

// Plugins is the typed view of the plugin set carried by consumers, consumer
// groups and routes. Plugins this service does not interpret (proxy-rewrite
// and friends) are dropped on parse.
type Plugins struct {
	KeyAuth    *KeyAuth    `json:"key-auth,omitempty"`
	LimitReq   *LimitReq   `json:"limit-req,omitempty"`
	LimitCount *LimitCount `json:"limit-count,omitempty"`
}

// Consumer binds a username to a key-auth indirection on one gateway
// instance. GroupID is present only for privileged users; the gateway
// rejects an explicit null, so the field is omitted entirely otherwise.
type Consumer struct {
	InstanceName string  `json:"-"`
	Username     string  `json:"username"`
	Plugins      Plugins `json:"plugins"`
	GroupID      string  `json:"group_id,omitempty"`
}

// ConsumerGroup is a policy bundle consumers reference by id.
type ConsumerGroup struct {
	ID      string  `json:"id"`
	Plugins Plugins `json:"plugins"`
}

// Route is one routing rule as read from the gateway admin API.
type Route struct {
	URI     string  `json:"uri"`
	Plugins Plugins `json:"plugins"`
}

// wire envelopes of the admin API

type valueEnvelope[T any] struct {
	Value T `json:"value"`
}

type listEnvelope[T any] struct {
	List []valueEnvelope[T] `json:"list"`
}
