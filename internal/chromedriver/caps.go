package chromedriver

import (
	"go.uber.org/zap"
)

// Capabilities are the desired capabilities sent when creating a chromedriver session.
type Capabilities map[string]any

// SessionOptions describe the automation session a chromedriver is created for.
type SessionOptions struct {
	AppPackage         string
	DeviceSerial       string
	DeviceSocket       string
	ChromeOptions      map[string]any
	PerformanceLogging bool
}

// BuildCapabilities builds the capabilities for a chromedriver attached to
// the session's app on the session's device.
func BuildCapabilities(opts SessionOptions, logger *zap.Logger) Capabilities {
	chromeOptions := map[string]any{
		"androidPackage":       opts.AppPackage,
		"androidUseRunningApp": true,
	}
	if opts.DeviceSocket != "" {
		chromeOptions["androidDeviceSocket"] = opts.DeviceSocket
	}
	caps := Capabilities{"chromeOptions": chromeOptions}
	if opts.PerformanceLogging {
		caps["loggingPrefs"] = map[string]any{"performance": "ALL"}
	}
	return DecorateChromeOptions(caps, opts.ChromeOptions, opts.DeviceSerial, logger)
}

// DecorateChromeOptions merges user chromeOptions into caps without letting
// them replace options that are already set, then binds the device serial.
// The serial always wins over a user supplied androidDeviceSerial.
func DecorateChromeOptions(caps Capabilities, userOpts map[string]any, serial string, logger *zap.Logger) Capabilities {
	if logger == nil {
		logger = zap.NewNop()
	}
	chromeOptions, ok := caps["chromeOptions"].(map[string]any)
	if !ok {
		chromeOptions = map[string]any{}
		caps["chromeOptions"] = chromeOptions
	}
	for key, val := range userOpts {
		if _, exists := chromeOptions[key]; exists {
			logger.Warn("cannot override chrome option required for chromedriver to work", zap.String("option", key))
			continue
		}
		chromeOptions[key] = val
	}
	chromeOptions["androidDeviceSerial"] = serial
	return caps
}
