package vexport

// DetectContainer sniffs a clip's container format from its leading bytes.
// Per ISO/IEC 14496-12, an MP4 file starts with a box header whose type is
// "ftyp" (or "styp"/"moov"/"moof" for segment files); WebM starts with the
// EBML magic 0x1A45DFA3.
//
// Returns ContainerUnknown if the bytes match neither.
func DetectContainer(data []byte) Container {
	if len(data) < 8 {
		return ContainerUnknown
	}

	switch string(data[4:8]) {
	case "ftyp", "styp", "moov", "moof", "free", "wide":
		return ContainerMP4
	}

	if data[0] == 0x1A && data[1] == 0x45 && data[2] == 0xDF && data[3] == 0xA3 {
		return ContainerWebM
	}
	return ContainerUnknown
}

// DetectVideoCodec detects the video codec of a raw bitstream sample.
// Recognizes H.264 in Annex-B form (ITU-T H.264 Annex B start codes) and
// AVCC form (ISO/IEC 14496-15 length prefixes). Returns VideoCodecUnknown
// otherwise.
func DetectVideoCodec(data []byte) VideoCodec {
	if len(data) < 4 {
		return VideoCodecUnknown
	}
	if isAnnexBStartCode(data) {
		if isH264NALType(annexBNALType(data)) {
			return VideoCodecH264
		}
		// A start code with a bogus NAL header is not a length prefix
		// either; don't let the AVCC heuristic claim it.
		return VideoCodecUnknown
	}
	if isAVCCFormat(data) {
		return VideoCodecH264
	}
	return VideoCodecUnknown
}

// isAnnexBStartCode checks for an H.264 Annex-B start code.
// Per ITU-T H.264 Annex B, NAL units are prefixed with either the 4-byte
// start code 0x00000001 or the 3-byte start code 0x000001.
func isAnnexBStartCode(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	if data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return true
	}
	return data[0] == 0 && data[1] == 0 && data[2] == 1
}

// annexBNALType extracts the NAL unit type following an Annex-B start code.
// Per ITU-T H.264 Section 7.3.1 the type sits in the lower 5 bits of the
// NAL header byte.
func annexBNALType(data []byte) byte {
	offset := 3
	if data[2] == 0 {
		offset = 4
	}
	if len(data) <= offset {
		return 0
	}
	return data[offset] & 0x1F
}

// isH264NALType checks if a NAL type is valid H.264 per ITU-T H.264
// Table 7-1 (1-12 core types, 19-21 extensions).
func isH264NALType(nalType byte) bool {
	return (nalType >= 1 && nalType <= 12) || (nalType >= 19 && nalType <= 21)
}

// isAVCCFormat checks for AVCC length-prefixed form: a plausible 4-byte
// big-endian NAL length followed by at least that much payload.
func isAVCCFormat(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	length := int(data[0])<<24 | int(data[1])<<16 | int(data[2])<<8 | int(data[3])
	return length > 0 && length < len(data) && length < 10*1024*1024
}
