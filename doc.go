/*
Package sstable contains an immutable, sorted, block-compressed key/value
table format. Tables are written once, in key order, and can then be
searched and iterated without an external index.

Data Structure Documentation

Table

A table contains a series of data blocks followed by a block index and
a fixed-size trailer. All blocks of a table are compressed with the same
codec, which is recorded in the trailer.

    Table layout:
    +---------+---------+---------+-------------+---------------------+
    | block 1 |   ...   | block n | block index | trailer (88 bytes)  |
    +---------+---------+---------+-------------+---------------------+

    Block index:
    +------------------------+----------------------+-------------------+----------------+------------------+-------+
    | last key len (varint)  | last key 1 (varlen)  | offset 1 (varint) | len 1 (varint) | count 1 (varint) |  ...  |
    +------------------------+----------------------+-------------------+----------------+------------------+-------+

    Offsets are delta-encoded against the previous block.

    Trailer:
    +-------------+-----------------+---------------+--------------+--------------------+--------------------+
    | version (4) | compression (4) | records (8)   | blocks (8)   | index offset (8)   | index length (8)   |
    +-------------+-----------------+---------------+--------------+--------------------+--------------------+
    | block size (8) | key bytes (8) | value bytes (8) | index xxhash64 (8) | trailer xxhash64 (8) | magic (8) |
    +----------------+---------------+-----------------+--------------------+----------------------+-----------+

    All fixed-size integers are little-endian. The trailer checksum covers
    the preceding 72 bytes of the trailer.

Block

On disk, a block is the varint encoded length of the plain block followed
by the compressed plain block.

    Block layout:
    +-------------------------+-------------------------------+
    | plain length (varint)   | compressed plain block        |
    +-------------------------+-------------------------------+

A plain block is a series of records followed by the number of records.
The first key is stored in full, subsequent keys share a prefix with
their predecessor which is omitted.

    Plain block layout:
    +----------+---------+----------+-----------------+
    | record 1 |   ...   | record n | count (4 bytes) |
    +----------+---------+----------+-----------------+

    First record:
    +------------------+-------------+--------------------+---------------+
    | key len (varint) | key (bytes) | value len (varint) | value (bytes) |
    +------------------+-------------+--------------------+---------------+

    Subsequent records:
    +-----------------+---------------------+----------------+--------------------+---------------+
    | shared (varint) | suffix len (varint) | suffix (bytes) | value len (varint) | value (bytes) |
    +-----------------+---------------------+----------------+--------------------+---------------+
*/
package sstable
