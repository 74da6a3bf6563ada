package upnp

import (
	"context"
	"errors"
	"fmt"
)

// UPnP error codes used by the control protocol.
const (
	CodeInvalidAction          = 401
	CodeInvalidArgs            = 402
	CodeInvalidVar             = 404
	CodeUnsupportedMediaType   = 415
	CodeActionFailed           = 501
	CodeArgumentValueInvalid   = 600
	CodeArgumentOutOfRange     = 601
	CodeNotImplemented         = 602
	CodeOutOfMemory            = 603
	CodeHumanIntervention      = 604
	CodeStringTooLong          = 605
	CodeNotAuthorized          = 606
	CodeSignatureFailure       = 607
	CodeSignatureMissing       = 608
	CodeNotEncrypted           = 609
	CodeInvalidSequence        = 610
	CodeInvalidControlURL      = 611
	CodeNoSuchSession          = 612
	CodeNoSuchObject           = 701
	CodeInvalidCurrentTagValue = 702
	CodeInvalidNewTagValue     = 703
	CodeRequiredTag            = 704
	CodeReadOnlyTag            = 705
	CodeInvalidConnection      = 706
	CodeInvalidSearchCriteria  = 708
	CodeInvalidSortCriteria    = 709
	CodeNoSuchContainer        = 710
	CodeRestrictedObject       = 711
	CodeBadMetadata            = 712
	CodeRestrictedParent       = 713
	CodeIllegalMIMEType        = 714
	CodeResourceBusy           = 715
	CodeResourceNotFound       = 716
	CodeInvalidInstanceID      = 718
	CodeCannotProcess          = 720
)

var errorText = map[int]string{
	CodeInvalidAction:          "Invalid Action",
	CodeInvalidArgs:            "Invalid Args",
	CodeInvalidVar:             "Invalid Var",
	CodeUnsupportedMediaType:   "Unsupported Media Type",
	CodeActionFailed:           "Action Failed",
	CodeArgumentValueInvalid:   "Argument Value Invalid",
	CodeArgumentOutOfRange:     "Argument Value Out of Range",
	CodeNotImplemented:         "Optional Action Not Implemented",
	CodeOutOfMemory:            "Out of Memory",
	CodeHumanIntervention:      "Human Intervention Required",
	CodeStringTooLong:          "String Argument Too Long",
	CodeNotAuthorized:          "Action not authorized",
	CodeSignatureFailure:       "Signature failure",
	CodeSignatureMissing:       "Signature missing",
	CodeNotEncrypted:           "Not encrypted",
	CodeInvalidSequence:        "Invalid sequence",
	CodeInvalidControlURL:      "Invalid control URL",
	CodeNoSuchSession:          "No such session",
	CodeNoSuchObject:           "No such object",
	CodeInvalidCurrentTagValue: "Invalid CurrentTagValue",
	CodeInvalidNewTagValue:     "Invalid NewTagValue",
	CodeRequiredTag:            "Required tag",
	CodeReadOnlyTag:            "Read only tag",
	CodeInvalidConnection:      "Invalid connection reference",
	CodeInvalidSearchCriteria:  "Unsupported or invalid search criteria",
	CodeInvalidSortCriteria:    "Unsupported or invalid sort criteria",
	CodeNoSuchContainer:        "No such container",
	CodeRestrictedObject:       "Restricted object",
	CodeBadMetadata:            "Bad metadata",
	CodeRestrictedParent:       "Restricted parent object",
	CodeIllegalMIMEType:        "Illegal MIME-Type",
	CodeResourceBusy:           "Content busy",
	CodeResourceNotFound:       "Resource not found",
	CodeInvalidInstanceID:      "Invalid InstanceID",
	CodeCannotProcess:          "Cannot process the request",
}

// ErrorText returns the fixed description for code, or an empty string.
func ErrorText(code int) string {
	return errorText[code]
}

// Error is a UPnP control error carried in a SOAP fault.
type Error struct {
	Code        int
	Description string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upnp error %d: %s", e.Code, e.Description)
}

// NewError returns an Error with the fixed description for code.
func NewError(code int) *Error {
	text := errorText[code]
	if text == "" {
		text = "Unknown Error"
	}
	return &Error{Code: code, Description: text}
}

// Errorf returns an Error with a custom description.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// AsError maps err onto a UPnP error. Errors that do not already carry a code
// become 501 Action Failed.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var upnpErr *Error
	if errors.As(err, &upnpErr) {
		return upnpErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Errorf(CodeActionFailed, "%s: %v", errorText[CodeActionFailed], err)
	}
	return NewError(CodeActionFailed)
}

// IsCode reports whether err is a UPnP error with the given code.
func IsCode(err error, code int) bool {
	var upnpErr *Error
	return errors.As(err, &upnpErr) && upnpErr.Code == code
}
