package connection

// readableRequest is FIONREAD, _IOR('f', 127, int). x/sys/unix does not
// export it for darwin.
const readableRequest = 0x4004667f
