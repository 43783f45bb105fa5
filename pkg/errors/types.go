/*
 * Copyright 2024-2025 Raamsri Kumar <raam@tinkershack.in>
 * Copyright 2024-2025 The StrataSTOR Authors and Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package errors

const (
	DomainConfig    Domain = "CONFIG"
	DomainCommand   Domain = "CMD"
	DomainLifecycle Domain = "LIFECYCLE"
	DomainDevd      Domain = "DEVD"
	DomainCase      Domain = "CASE"
	DomainZpool     Domain = "ZPOOL"
	DomainCallout   Domain = "CALLOUT"
	DomainDevice    Domain = "DEVICE"
	DomainJournal   Domain = "JOURNAL"
	DomainMisc      Domain = "MISC"
)

// Error code ranges:
// 1000-1099: Configuration errors
// 1300-1399: Command execution
// 1500-1599: Lifecycle management
// 2400-2499: devd transport and event parsing
// 2500-2599: Case files
// 2600-2699: zpool collaborators
// 2700-2799: Interval timers
// 2800-2849: Device probing
// 2850-2899: Case journal
const (
	// Configuration Errors (1000-1099)
	ConfigNotFound    = 1000 + iota // Config file not found
	ConfigInvalid                   // Invalid config format
	ConfigLoadFailed                // Failed to load config
	ConfigWriteFailed               // Failed to write config
)

const (
	// Command execution (1300-1399)
	CommandNotFound     = 1300 + iota // Command binary not allowed or missing
	CommandExecution                  // Command exited non-zero
	CommandTimeout                    // Command timed out
	CommandInvalidInput               // Rejected argument
	CommandOutputParse                // Output could not be parsed
)

const (
	// Lifecycle (1500-1599)
	LifecyclePID      = 1500 + iota // PID file operation failed
	LifecycleSignal                 // Signal plumbing failed
	LifecycleDaemon                 // Daemonization failed
	LifecycleShutdown               // Error during shutdown
)

const (
	// devd transport and events (2400-2499)
	DevdConnectFailed     = 2400 + iota // Could not connect to the devd socket
	DevdReadFailed                      // Fatal read error on the socket
	DevdConnectionClosed                // Peer closed the socket
	DevdEventInvalid                    // Structurally malformed record
	DevdEventDiscarded                  // Recognized but uninteresting record type
	DevdEventUnknownType                // Unrecognized record type marker
	DevdPipeFailed                      // Self-pipe creation or write failed
	DevdPollFailed                      // poll(2) failed
)

const (
	// Case files (2500-2599)
	CaseSerializeFailed   = 2500 + iota // Could not write a case file
	CaseDeserializeFailed               // Could not read a case file
	CaseFileNameInvalid                 // Unintelligible case file name
	CaseDirFailed                       // Case directory unusable
)

const (
	// zpool collaborators (2600-2699)
	ZpoolCommandFailed  = 2600 + iota // zpool/zinject command failed
	ZpoolPoolNotFound                 // Pool not in the live configuration
	ZpoolVdevNotFound                 // Vdev not in the pool configuration
	ZpoolStatusParse                  // zpool status output unparsable
	ZpoolOnlineFailed                 // Online action failed
	ZpoolDegradeFailed                // Degrade action failed
	ZpoolLabelFailed                  // Label action failed
	ZpoolReplaceFailed                // Replace action failed
)

const (
	// Interval timers (2700-2799)
	CalloutZeroInterval = 2700 + iota // Zero interval requested
	CalloutAlarmFailed                // Programming the OS timer failed
)

const (
	// Device probing (2800-2849)
	DeviceOpenFailed     = 2800 + iota // Device node not openable
	DeviceLabelFailed                  // Label could not be read
	DevicePhysPathFailed               // Physical path lookup failed
	DeviceEnumFailed                   // Device enumeration failed
)

const (
	// Case journal (2850-2899)
	JournalOpenFailed  = 2850 + iota // Journal database could not be opened
	JournalWriteFailed               // Journal insert failed
	JournalQueryFailed               // Journal query failed
)

var errorDefinitions = map[ErrorCode]struct {
	message string
	domain  Domain
}{
	ConfigNotFound:    {"Configuration file not found", DomainConfig},
	ConfigInvalid:     {"Invalid configuration", DomainConfig},
	ConfigLoadFailed:  {"Failed to load configuration", DomainConfig},
	ConfigWriteFailed: {"Failed to write configuration", DomainConfig},

	CommandNotFound:     {"Command not found", DomainCommand},
	CommandExecution:    {"Command execution failed", DomainCommand},
	CommandTimeout:      {"Command execution timed out", DomainCommand},
	CommandInvalidInput: {"Invalid command input", DomainCommand},
	CommandOutputParse:  {"Failed to parse command output", DomainCommand},

	LifecyclePID:      {"PID file operation failed", DomainLifecycle},
	LifecycleSignal:   {"Signal handling error", DomainLifecycle},
	LifecycleDaemon:   {"Daemon operation failed", DomainLifecycle},
	LifecycleShutdown: {"Error during shutdown process", DomainLifecycle},

	DevdConnectFailed:    {"Unable to connect to devd", DomainDevd},
	DevdReadFailed:       {"Read from devd socket failed", DomainDevd},
	DevdConnectionClosed: {"devd closed the connection", DomainDevd},
	DevdEventInvalid:     {"Invalid event format", DomainDevd},
	DevdEventDiscarded:   {"Discarded event type", DomainDevd},
	DevdEventUnknownType: {"Unknown event type", DomainDevd},
	DevdPipeFailed:       {"Signal pipe operation failed", DomainDevd},
	DevdPollFailed:       {"Polling for devd events failed", DomainDevd},

	CaseSerializeFailed:   {"Failed to serialize case file", DomainCase},
	CaseDeserializeFailed: {"Failed to deserialize case file", DomainCase},
	CaseFileNameInvalid:   {"Unintelligible case file name", DomainCase},
	CaseDirFailed:         {"Case file directory error", DomainCase},

	ZpoolCommandFailed: {"zpool command failed", DomainZpool},
	ZpoolPoolNotFound:  {"Pool not found", DomainZpool},
	ZpoolVdevNotFound:  {"Vdev not found", DomainZpool},
	ZpoolStatusParse:   {"Failed to parse pool status", DomainZpool},
	ZpoolOnlineFailed:  {"Failed to online vdev", DomainZpool},
	ZpoolDegradeFailed: {"Failed to degrade vdev", DomainZpool},
	ZpoolLabelFailed:   {"Failed to label disk", DomainZpool},
	ZpoolReplaceFailed: {"Failed to replace vdev", DomainZpool},

	CalloutZeroInterval: {"Interval of zero", DomainCallout},
	CalloutAlarmFailed:  {"Failed to program interval timer", DomainCallout},

	DeviceOpenFailed:     {"Failed to open device", DomainDevice},
	DeviceLabelFailed:    {"Failed to read device label", DomainDevice},
	DevicePhysPathFailed: {"Failed to read physical path", DomainDevice},
	DeviceEnumFailed:     {"Failed to enumerate devices", DomainDevice},

	JournalOpenFailed:  {"Failed to open case journal", DomainJournal},
	JournalWriteFailed: {"Failed to write case journal", DomainJournal},
	JournalQueryFailed: {"Failed to query case journal", DomainJournal},
}
