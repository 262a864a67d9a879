package vexport

// VideoCodec identifies the video codec type.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecH264
	VideoCodecH265
	VideoCodecVP8
	VideoCodecVP9
	VideoCodecAV1
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecH264:
		return "H264"
	case VideoCodecH265:
		return "H265"
	case VideoCodecVP8:
		return "VP8"
	case VideoCodecVP9:
		return "VP9"
	case VideoCodecAV1:
		return "AV1"
	default:
		return "Unknown"
	}
}

// AudioCodec identifies the audio codec type.
type AudioCodec int

const (
	AudioCodecUnknown AudioCodec = iota
	AudioCodecAAC
	AudioCodecOpus
)

func (c AudioCodec) String() string {
	switch c {
	case AudioCodecAAC:
		return "AAC"
	case AudioCodecOpus:
		return "Opus"
	default:
		return "Unknown"
	}
}

// Container identifies the output file format.
type Container int

const (
	ContainerUnknown Container = iota
	ContainerMP4
	ContainerWebM
)

func (c Container) String() string {
	switch c {
	case ContainerMP4:
		return "MP4"
	case ContainerWebM:
		return "WebM"
	default:
		return "Unknown"
	}
}

// MimeType returns the media type of files produced in this container.
func (c Container) MimeType() string {
	switch c {
	case ContainerMP4:
		return "video/mp4"
	case ContainerWebM:
		return "video/webm"
	default:
		return ""
	}
}

// SupportsVideo reports whether the container can carry the video codec.
func (c Container) SupportsVideo(codec VideoCodec) bool {
	switch c {
	case ContainerMP4:
		return codec == VideoCodecH264 || codec == VideoCodecH265 || codec == VideoCodecAV1
	case ContainerWebM:
		return codec == VideoCodecVP8 || codec == VideoCodecVP9 || codec == VideoCodecAV1
	default:
		return false
	}
}

// SupportsAudio reports whether the container can carry the audio codec.
func (c Container) SupportsAudio(codec AudioCodec) bool {
	switch c {
	case ContainerMP4:
		return codec == AudioCodecAAC || codec == AudioCodecOpus
	case ContainerWebM:
		return codec == AudioCodecOpus
	default:
		return false
	}
}

// DefaultVideoCodec returns the codec substituted when a requested pairing
// is invalid for this container.
func (c Container) DefaultVideoCodec() VideoCodec {
	switch c {
	case ContainerWebM:
		return VideoCodecVP9
	default:
		return VideoCodecH264
	}
}

// DefaultAudioCodec returns the audio codec substituted when a requested
// pairing is invalid for this container.
func (c Container) DefaultAudioCodec() AudioCodec {
	switch c {
	case ContainerWebM:
		return AudioCodecOpus
	default:
		return AudioCodecAAC
	}
}

// negotiateVideo resolves a requested container/codec pairing. An invalid
// pairing substitutes the container's default codec rather than failing;
// the substitution is reported so callers can log it.
func negotiateVideo(container Container, requested VideoCodec) (VideoCodec, bool) {
	if requested == VideoCodecUnknown {
		return container.DefaultVideoCodec(), false
	}
	if container.SupportsVideo(requested) {
		return requested, false
	}
	return container.DefaultVideoCodec(), true
}

// negotiateAudio resolves a requested container/audio codec pairing.
func negotiateAudio(container Container, requested AudioCodec) (AudioCodec, bool) {
	if requested == AudioCodecUnknown {
		return container.DefaultAudioCodec(), false
	}
	if container.SupportsAudio(requested) {
		return requested, false
	}
	return container.DefaultAudioCodec(), true
}
