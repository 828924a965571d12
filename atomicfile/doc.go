/*
Package atomicfile writes files so that a crash or an error never leaves
a partially written destination file.

Data is written to a temporary file in the same directory and renamed
over the destination in Close(). On error, or after Cancel(), the
temporary file is removed and the destination is left unchanged.

	func saveIndex(path string, index []byte) error {
		f, err := atomicfile.New(path)
		if err != nil {
			return err
		}
		// Cancel() after Close() is a no-op
		defer f.Cancel()

		_, err = f.Write(index)
		if err != nil {
			return err
		}
		return f.Close()
	}

For the common case use WriteFile or CopyFrom.
*/
package atomicfile
