package ocpp

// Action names used by the gateway.
const (
	ActionBootNotification       = "BootNotification"
	ActionHeartbeat              = "Heartbeat"
	ActionStatusNotification     = "StatusNotification"
	ActionGetConfiguration       = "GetConfiguration"
	ActionChangeConfiguration    = "ChangeConfiguration"
	ActionGetDiagnostics         = "GetDiagnostics"
	ActionRemoteStartTransaction = "RemoteStartTransaction"
	ActionRemoteStopTransaction  = "RemoteStopTransaction"
)

type BootNotificationRequest struct {
	ChargePointVendor       string `json:"chargePointVendor"`
	ChargePointModel        string `json:"chargePointModel"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber,omitempty"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty"`
}

type BootNotificationResponse struct {
	Status      string   `json:"status"`
	CurrentTime DateTime `json:"currentTime"`
	Interval    int      `json:"interval"`
}

type HeartbeatResponse struct {
	CurrentTime DateTime `json:"currentTime"`
}

type StatusNotificationRequest struct {
	ConnectorID int       `json:"connectorId"`
	ErrorCode   string    `json:"errorCode"`
	Status      string    `json:"status"`
	Info        string    `json:"info,omitempty"`
	Timestamp   *DateTime `json:"timestamp,omitempty"`
}

type GetConfigurationRequest struct {
	Key []string `json:"key,omitempty"`
}

// KeyValue is one configuration entry reported by a station.
type KeyValue struct {
	Key      string  `json:"key"`
	Value    *string `json:"value,omitempty"`
	Readonly bool    `json:"readonly"`
}

type GetConfigurationResponse struct {
	ConfigurationKey []KeyValue `json:"configurationKey,omitempty"`
	UnknownKey       []string   `json:"unknownKey,omitempty"`
}

type ChangeConfigurationRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type ChangeConfigurationResponse struct {
	Status string `json:"status"`
}

type GetDiagnosticsRequest struct {
	Location      string    `json:"location"`
	Retries       *int      `json:"retries,omitempty"`
	RetryInterval *int      `json:"retryInterval,omitempty"`
	StartTime     *DateTime `json:"startTime,omitempty"`
	StopTime      *DateTime `json:"stopTime,omitempty"`
}

type GetDiagnosticsResponse struct {
	FileName string `json:"fileName,omitempty"`
}

type RemoteStartTransactionRequest struct {
	ConnectorID *int   `json:"connectorId,omitempty"`
	IDTag       string `json:"idTag"`
}

type RemoteStopTransactionRequest struct {
	TransactionID int `json:"transactionId"`
}

// RemoteTransactionResponse answers both remote start and remote stop.
type RemoteTransactionResponse struct {
	Status string `json:"status"`
}
