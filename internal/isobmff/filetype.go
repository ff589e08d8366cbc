package isobmff

// newFileTypeBox builds the ftyp (or styp) box behind NewFtyp/NewStyp: major
// brand, minor version, and the compatible-brands list written exactly as
// given. No brand is added here, so a codec-specific brand ("avc1"/"hvc1")
// appears only when the caller lists one; the pack command lists "isom",
// "iso6" and "dash" and no codec brand.
func newFileTypeBox(t BoxType, majorBrand string, minorVersion uint32, compatibleBrands []string) *Box {
	w := NewBufferWriter()
	w.WriteFourCC(bt(majorBrand))
	w.WriteU32(minorVersion)
	for _, b := range compatibleBrands {
		w.WriteFourCC(bt(b))
	}
	return NewBox(t, w.Bytes())
}

func NewFtyp(majorBrand string, minorVersion uint32, compatibleBrands []string) *Box {
	return newFileTypeBox(TypeFtyp, majorBrand, minorVersion, compatibleBrands)
}

func NewStyp(majorBrand string, minorVersion uint32, compatibleBrands []string) *Box {
	return newFileTypeBox(TypeStyp, majorBrand, minorVersion, compatibleBrands)
}
