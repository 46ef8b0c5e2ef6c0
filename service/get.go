package service

import (
	"github.com/rs/zerolog"

	"github.com/dimsenet/dimsenet/dcmerr"
	"github.com/dimsenet/dimsenet/dicom"
	"github.com/dimsenet/dimsenet/dimsemsg"
	"github.com/dimsenet/dimsenet/sopclass"
)

// GetEnv mirrors MoveEnv without a destination: C-GET sub-operations run
// back over the requesting association, so the Store callback is handed in
// directly instead of being opened per request. StripBulkData is set when
// the request arrived on a Composite Instance Retrieve Without Bulk Data
// context; TransferSyntax names the context's negotiated encoding, which
// the strip uses to re-encode each dataset.
type GetEnv struct {
	MessageID   uint16
	SOPClassUID string

	Program        GetProgram
	Store          StoreSubOp
	StripBulkData  bool
	TransferSyntax string
	Cancelled      func() bool
	Emit           func(rsp GetResponse) error
	Logger         zerolog.Logger
}

// RunGet drives one C-GET request. Identical bookkeeping to RunMove, with
// two differences: no secondary association, and the optional bulk-data
// strip applied to every pending dataset before its C-STORE is issued.
func RunGet(env GetEnv) {
	emit := func(status uint16, c *subOpCounters, pending, withList bool) bool {
		rsp := GetResponse{Command: dimsemsg.CGetResponse{
			MessageIDBeingRespondedTo: env.MessageID,
			AffectedSOPClassUID:       env.SOPClassUID,
			Status:                    status,
		}}
		if c != nil {
			rem, com, fail, warn := c.pointers()
			if pending {
				rsp.Command.NumberOfRemainingSuboperations = rem
			}
			rsp.Command.NumberOfCompletedSuboperations = com
			rsp.Command.NumberOfFailedSuboperations = fail
			rsp.Command.NumberOfWarningSuboperations = warn
		}
		if withList {
			rsp.Command.HasIdentifier = true
			rsp.FailedSOPInstanceUIDList = c.failedUIDs
		}
		if err := env.Emit(rsp); err != nil {
			env.Logger.Warn().Err(err).Uint16("message_id", env.MessageID).Msg("failed to send get response")
			return false
		}
		return true
	}

	if env.Program.Total < 0 {
		emit(dimsemsg.StatusInvalidNumberOfSubOps, &subOpCounters{}, false, false)
		return
	}

	c := &subOpCounters{remaining: env.Program.Total}
	subOpIndex := 0
	terminal := false

	panicErr := runProtected(func() {
		for op := range env.Program.SubOps {
			if env.Cancelled() {
				emit(dimsemsg.StatusCancel, c, false, true)
				terminal = true
				return
			}
			if c.remaining == 0 && Classify(op.Status) == KindPending {
				env.Logger.Warn().Uint16("message_id", env.MessageID).
					Msg("handler yielded more sub-operations than declared, discarding")
				continue
			}
			switch Classify(op.Status) {
			case KindCancel:
				emit(dimsemsg.StatusCancel, c, false, true)
				terminal = true
				return
			case KindFailure, KindWarning:
				c.failed += c.remaining
				c.remaining = 0
				emit(op.Status, c, false, true)
				terminal = true
				return
			case KindSuccess:
				status := uint16(dimsemsg.StatusSuccess)
				withList := false
				if c.failed > 0 || c.warning > 0 {
					status = dimsemsg.StatusWarning
					withList = true
				}
				emit(status, c, false, withList)
				terminal = true
				return
			case KindPending:
				subOpIndex++
				if env.StripBulkData && len(op.Dataset) > 0 {
					stripped, err := StripBulkData(op.Dataset, env.TransferSyntax)
					if err != nil {
						env.Logger.Warn().Err(err).Str("sop_instance", op.AffectedSOPInstanceUID).
							Msg("bulk data strip failed, sending dataset unmodified")
					} else {
						op.Dataset = stripped
					}
				}
				c.apply(runStoreSubOp(env.Store, wrapMessageID(env.MessageID, subOpIndex), op, env.Logger))
				if !emit(dimsemsg.StatusPending, c, true, false) {
					terminal = true
					return
				}
			}
		}
	})
	if panicErr != nil {
		env.Logger.Error().Err(panicErr).Uint16("message_id", env.MessageID).Msg("get handler panicked mid-stream")
		emit(dcmerr.StatusGetHandlerFailure, c, false, true)
		return
	}
	if terminal {
		return
	}
	emitExhausted(c, emit)
}

// StripBulkData removes the well-known bulk data elements (PixelData and
// friends, plus WaveformData inside every WaveformSequence item) from an
// encoded dataset, returning the re-encoded result. Used by the Composite
// Instance Retrieve Without Bulk Data variant of C-GET.
func StripBulkData(encoded []byte, transferSyntaxUID string) ([]byte, error) {
	ds, err := dicom.ParseDatasetWithTransferSyntax(encoded, transferSyntaxUID)
	if err != nil {
		return nil, err
	}
	out := ds.Clone()
	for _, tag := range out.Tags() {
		if sopclass.IsBulkDataTag(sopclass.Tag{Group: tag.Group, Element: tag.Element}) {
			out.RemoveElement(tag)
		}
	}
	seqTag := dicom.Tag{Group: sopclass.WaveformSequenceTag.Group, Element: sopclass.WaveformSequenceTag.Element}
	if items, ok := out.Sequence(seqTag); ok {
		for _, item := range items {
			item.RemoveElement(dicom.Tag{
				Group:   sopclass.WaveformDataTag.Group,
				Element: sopclass.WaveformDataTag.Element,
			})
		}
	}
	return dicom.EncodeDatasetWithTransferSyntax(out, transferSyntaxUID)
}
