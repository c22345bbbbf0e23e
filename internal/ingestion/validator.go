package ingestion

import (
	"fmt"
	"regexp"

	validation "github.com/jellydator/validation"

	"relay/internal/constants"
)

var (
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	phoneRegex = regexp.MustCompile(`^\+?[0-9][0-9\-\s()]{6,19}$`)
)

type ValidationResult struct {
	Errors   []string
	Warnings []string
}

func (r ValidationResult) OK() bool {
	return len(r.Errors) == 0
}

var (
	emailRule = validation.By(func(value interface{}) error {
		s, _ := value.(string)
		if s == "" {
			return nil
		}
		if !emailRegex.MatchString(s) {
			return validation.NewError("validation_email", "is not a valid email address")
		}
		return nil
	})

	attachmentSizeRule = validation.By(func(value interface{}) error {
		size, _ := value.(int64)
		if size > constants.MaxAttachmentSize {
			return validation.NewError("validation_attachment_size",
				fmt.Sprintf("size %d exceeds size limit of %d bytes", size, constants.MaxAttachmentSize))
		}
		return nil
	})
)

// ValidateIncoming applies every rule and accumulates failures rather
// than stopping at the first. Phone-number issues are warnings only:
// the message still proceeds.
func ValidateIncoming(msg IncomingMessage) ValidationResult {
	var result ValidationResult

	result.collect("", validation.Validate(msg.Content.Text,
		validation.Required.Error("message text is required"),
		validation.RuneLength(0, constants.MaxContentLength).
			Error(fmt.Sprintf("message content exceeds maximum length of %d characters", constants.MaxContentLength)),
	))

	result.collect("", validation.Validate(string(msg.Sender.Type),
		validation.Required.Error("sender type is required"),
	))

	result.collect("", validation.Validate(string(msg.Direction),
		validation.Required.Error("direction is required"),
		validation.In("inbound", "outbound").Error("direction must be one of: inbound, outbound"),
	))

	result.collect("", validation.Validate(msg.OrganizationID,
		validation.Required.Error("organizationId is required"),
	))
	result.collect("", validation.Validate(msg.IntegrationID,
		validation.Required.Error("integrationId is required"),
	))

	result.collect("sender email", validation.Validate(msg.Sender.Email, emailRule))
	if msg.Recipient != nil {
		result.collect("recipient email", validation.Validate(msg.Recipient.Email, emailRule))
	}

	for i, att := range msg.Attachments {
		prefix := fmt.Sprintf("attachments[%d]", i)
		result.collect(prefix, validation.Validate(att.Filename,
			validation.Required.Error("filename is required"),
		))
		result.collect(prefix, validation.Validate(att.ContentType,
			validation.Required.Error("content type is required"),
		))
		result.collect(prefix, validation.Validate(att.Size, attachmentSizeRule))
	}

	result.warnPhone("sender phone", msg.Sender.Phone)
	if msg.Recipient != nil {
		result.warnPhone("recipient phone", msg.Recipient.Phone)
	}

	return result
}

func (r *ValidationResult) collect(prefix string, err error) {
	if err == nil {
		return
	}
	if prefix != "" {
		r.Errors = append(r.Errors, prefix+" "+err.Error())
		return
	}
	r.Errors = append(r.Errors, err.Error())
}

func (r *ValidationResult) warnPhone(prefix, phone string) {
	if phone == "" {
		return
	}
	if !phoneRegex.MatchString(phone) {
		r.Warnings = append(r.Warnings, fmt.Sprintf("%s %q does not look like a valid phone number", prefix, phone))
	}
}
