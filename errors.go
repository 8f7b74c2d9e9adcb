// errors.go: structured error definitions for the module loader
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	stderrors "errors"

	"github.com/agilira/go-errors"
)

// Error codes for the module loader
const (
	// Stage pipeline errors (2100-2199)
	ErrCodeMetadataResolution  = "MODULE_2101"
	ErrCodeResourceResolution  = "MODULE_2102"
	ErrCodeCodeLoad            = "MODULE_2103"
	ErrCodeEntryPointNotFound  = "MODULE_2104"
	ErrCodeEntryInvocation     = "MODULE_2105"
	ErrCodeModuleDisabled      = "MODULE_2106"
	ErrCodeRetryExhausted      = "MODULE_2107"
	ErrCodeModuleNotFound      = "MODULE_2108"
	ErrCodeInvalidDescriptor   = "MODULE_2109"
	ErrCodeReplaceRejected     = "MODULE_2110"
	ErrCodeExtractionFailed    = "MODULE_2111"
	ErrCodeStagePanic          = "MODULE_2112"
	ErrCodeApplicationCreation = "MODULE_2113"

	// Cross-process lock errors (2200-2299)
	ErrCodeLockTimeout = "LOCK_2201"
	ErrCodeLockIO      = "LOCK_2202"

	// Configuration errors (2300-2399)
	ErrCodeConfigNotFound        = "CONFIG_2301"
	ErrCodeConfigParseError      = "CONFIG_2302"
	ErrCodeConfigValidationError = "CONFIG_2303"
	ErrCodeConfigPathError       = "CONFIG_2304"

	// Status table errors (2400-2499)
	ErrCodeStatusTableError = "STATUS_2401"

	// Host transport errors (2500-2599)
	ErrCodeHostTransportError = "TRANSPORT_2501"

	// Bundle errors (2600-2699)
	ErrCodeManifestError = "BUNDLE_2601"
)

// wrapOrNew builds a coded error around cause, or a fresh one when cause is nil.
func wrapOrNew(cause error, code errors.ErrorCode, message string) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, code, message)
	}
	return errors.New(code, message)
}

// Stage pipeline error constructors

func NewMetadataResolutionError(module, path string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeMetadataResolution, "Package metadata could not be resolved").
		WithUserMessage("Module metadata is unavailable").
		WithContext("module", module).
		WithContext("path", path).
		WithSeverity("error").
		AsRetryable()
}

func NewResourceResolutionError(module, packageName string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeResourceResolution, "Resource bundle could not be resolved").
		WithUserMessage("Module resources are unavailable").
		WithContext("module", module).
		WithContext("package", packageName).
		WithSeverity("error").
		AsRetryable()
}

func NewCodeLoadError(module, path string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeCodeLoad, "Code loader could not be created").
		WithUserMessage("Module code could not be loaded").
		WithContext("module", module).
		WithContext("path", path).
		WithSeverity("error").
		AsRetryable()
}

func NewEntryPointNotFoundError(module string, symbols []string) *errors.Error {
	return errors.New(ErrCodeEntryPointNotFound, "No entry point variant resolved").
		WithUserMessage("Module has no usable entry point").
		WithContext("module", module).
		WithContext("symbols", symbols).
		WithSeverity("error")
}

func NewEntryInvocationError(module, variant string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeEntryInvocation, "Entry point invocation failed").
		WithUserMessage("Module entry point failed").
		WithContext("module", module).
		WithContext("variant", variant).
		WithSeverity("error")
}

func NewModuleDisabledError(module string, version int, status ModuleStatus) *errors.Error {
	return errors.New(ErrCodeModuleDisabled, "Module is disabled").
		WithUserMessage("Module has been disabled").
		WithContext("module", module).
		WithContext("version", version).
		WithContext("status", int(status)).
		WithSeverity("warning")
}

func NewRetryExhaustedError(module string, stage Stage) *errors.Error {
	return errors.New(ErrCodeRetryExhausted, "Load failed after retry").
		WithUserMessage("Module unavailable").
		WithContext("module", module).
		WithContext("stage", stage.String()).
		WithSeverity("error")
}

func NewModuleNotFoundError(name string) *errors.Error {
	return errors.New(ErrCodeModuleNotFound, "Module not found").
		WithUserMessage("The requested module is not registered").
		WithContext("module", name).
		WithSeverity("error")
}

func NewInvalidDescriptorError(name, reason string) *errors.Error {
	return errors.New(ErrCodeInvalidDescriptor, "Invalid module descriptor: "+reason).
		WithUserMessage("Module descriptor is malformed").
		WithContext("module", name).
		WithSeverity("error")
}

func NewReplaceRejectedError(name string, current, proposed int) *errors.Error {
	return errors.New(ErrCodeReplaceRejected, "Descriptor replacement rejected").
		WithUserMessage("The new module descriptor cannot replace the current one").
		WithContext("module", name).
		WithContext("current_version", current).
		WithContext("proposed_version", proposed).
		WithSeverity("warning")
}

func NewExtractionError(module, dest string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeExtractionFailed, "Builtin bundle extraction failed").
		WithUserMessage("Builtin module could not be extracted").
		WithContext("module", module).
		WithContext("destination", dest).
		WithSeverity("error").
		AsRetryable()
}

func NewStagePanicError(module string, stage Stage, recovered any) *errors.Error {
	return errors.New(ErrCodeStagePanic, "Stage panicked").
		WithUserMessage("Module load crashed").
		WithContext("module", module).
		WithContext("stage", stage.String()).
		WithContext("panic", recovered).
		WithSeverity("error")
}

func NewApplicationCreationError(module string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeApplicationCreation, "Module application could not be created").
		WithUserMessage("Module application failed to start").
		WithContext("module", module).
		WithSeverity("error")
}

// Lock error constructors

func NewLockTimeoutWarning(lockPath string, waited interface{}) *errors.Error {
	return errors.New(ErrCodeLockTimeout, "Process lock not acquired within bound").
		WithUserMessage("Proceeding without cross-process lock").
		WithContext("lock_path", lockPath).
		WithContext("waited", waited).
		WithSeverity("warning").
		AsRetryable()
}

func NewLockIOError(lockPath string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeLockIO, "Process lock file error").
		WithUserMessage("Lock file could not be used").
		WithContext("lock_path", lockPath).
		WithSeverity("warning")
}

// Configuration error constructors

func NewConfigNotFoundError(path string) *errors.Error {
	return errors.New(ErrCodeConfigNotFound, "Configuration file not found").
		WithUserMessage("The specified configuration file does not exist").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigParseError(path string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeConfigParseError, "Configuration parse error").
		WithUserMessage("Failed to parse configuration file").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigValidationError(message string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeConfigValidationError, "Configuration validation failed: "+message).
		WithUserMessage("Configuration is invalid").
		WithSeverity("error")
}

func NewConfigPathError(path string, message string) *errors.Error {
	return errors.New(ErrCodeConfigPathError, "Configuration path error: "+message).
		WithUserMessage("Invalid configuration file path").
		WithContext("config_path", path).
		WithSeverity("error")
}

// Status, transport and bundle error constructors

func NewStatusTableError(path string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeStatusTableError, "Status table could not be loaded").
		WithUserMessage("Module status table is unavailable").
		WithContext("status_path", path).
		WithSeverity("error")
}

func NewHostTransportError(method string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeHostTransportError, "Host transport call failed: "+method).
		WithUserMessage("Coordinating process is unreachable").
		WithContext("method", method).
		WithSeverity("error").
		AsRetryable()
}

func NewManifestError(path string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeManifestError, "Bundle manifest could not be parsed").
		WithUserMessage("Module manifest is malformed").
		WithContext("path", path).
		WithSeverity("error")
}

// HasErrorCode reports whether err carries the given structured error code.
func HasErrorCode(err error, code errors.ErrorCode) bool {
	var goErr *errors.Error
	if stderrors.As(err, &goErr) {
		return goErr.Code == code
	}
	return false
}

// IsStageError reports whether err was raised by one of the four load stages.
func IsStageError(err error) bool {
	var goErr *errors.Error
	if !stderrors.As(err, &goErr) {
		return false
	}
	switch goErr.Code {
	case ErrCodeMetadataResolution, ErrCodeResourceResolution, ErrCodeCodeLoad,
		ErrCodeEntryPointNotFound, ErrCodeEntryInvocation, ErrCodeStagePanic:
		return true
	}
	return false
}
