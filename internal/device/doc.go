// Package device holds the vocabulary shared by every layer of the BLE
// central stack:
//   - typed connection errors and the sentinels callers match with errors.Is
//   - normalization of driver error strings into those sentinels
//   - service UUID normalization and validation
//   - validation of peripheral identifiers (MAC addresses or platform UUIDs)
package device
