package mtc

// Field layouts shared by Full Frame bytes and reassembled quarter-frame
// nibble pairs:
//
//	hours   0 rr hhhhh   rr: time code type, hhhhh: 0-23
//	minutes xx mmmmmm    0-59
//	seconds xx ssssss    0-59
//	frames  xxx fffff    0-29

func decodeHours(b byte) (Framerate, int, error) {
	b &= 0x7F
	hour := int(b & 0x1F)
	if hour > 23 {
		return 0, 0, &DecodeError{Field: "hour", Value: hour}
	}
	return rates[b>>5], hour, nil
}

func decodeMinutes(b byte) (int, error) {
	v := int(b & 0x3F)
	if v > 59 {
		return 0, &DecodeError{Field: "minute", Value: v}
	}
	return v, nil
}

func decodeSeconds(b byte) (int, error) {
	v := int(b & 0x3F)
	if v > 59 {
		return 0, &DecodeError{Field: "second", Value: v}
	}
	return v, nil
}

func decodeFrame(b byte) (int, error) {
	v := int(b & 0x1F)
	if v > 29 {
		return 0, &DecodeError{Field: "frame", Value: v}
	}
	return v, nil
}

// decodeTimecode decodes all four fields before returning anything, and
// bounds the frame against the decoded rate.
func decodeTimecode(hh, mm, ss, ff byte) (Timecode, Framerate, error) {
	rate, hour, err := decodeHours(hh)
	if err != nil {
		return Timecode{}, 0, err
	}
	minute, err := decodeMinutes(mm)
	if err != nil {
		return Timecode{}, 0, err
	}
	second, err := decodeSeconds(ss)
	if err != nil {
		return Timecode{}, 0, err
	}
	frame, err := decodeFrame(ff)
	if err != nil {
		return Timecode{}, 0, err
	}
	if frame >= rate.Frames() {
		return Timecode{}, 0, &DecodeError{Field: "frame", Value: frame}
	}
	return Timecode{Hour: hour, Minute: minute, Second: second, Frame: frame}, rate, nil
}
